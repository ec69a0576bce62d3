package monitor

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/shanrichard/browserFairy/internal/record"
)

// DefaultSampleInterval is the cadence of memory samples per session.
const DefaultSampleInterval = 5 * time.Second

// listenerGrowthThreshold is the per-sample listener count increase past
// which the deep source-attribution analysis is triggered.
const listenerGrowthThreshold = 20

// MemorySampler reads heap, DOM, and performance counters for one
// session every interval and emits one memory record per sample. It also
// hosts the event-listener leak analyzer.
type MemorySampler struct {
	sess   Session
	emit   Emitter
	logger logrus.FieldLogger

	// sem is the process-wide gate bounding samples in flight across all
	// sessions.
	sem      *semaphore.Weighted
	interval time.Duration

	// onSampled lets the supervisor track sampling recency for LRU
	// eviction; onHeap feeds heap readings to the GC tracker.
	onSampled func()
	onHeap    func(host string, heapUsed, heapTotal float64)

	analyzer *listenerAnalyzer

	heapLimit     float64
	prevHeapUsed  float64
	prevListeners float64
	havePrev      bool
}

// MemoryOption tweaks a sampler before it runs.
type MemoryOption func(*MemorySampler)

// WithSampleInterval overrides the sampling cadence, mainly for tests.
func WithSampleInterval(d time.Duration) MemoryOption {
	return func(m *MemorySampler) { m.interval = d }
}

// WithSampledHook registers fn to run after every successful sample.
func WithSampledHook(fn func()) MemoryOption {
	return func(m *MemorySampler) { m.onSampled = fn }
}

// WithHeapHook registers fn to receive every heap reading.
func WithHeapHook(fn func(host string, heapUsed, heapTotal float64)) MemoryOption {
	return func(m *MemorySampler) { m.onHeap = fn }
}

// NewMemorySampler builds the sampler for one session. sem is shared by
// every session in the process.
func NewMemorySampler(sess Session, emit Emitter, sem *semaphore.Weighted, logger logrus.FieldLogger, opts ...MemoryOption) *MemorySampler {
	m := &MemorySampler{
		sess:     sess,
		emit:     emit,
		logger:   logger.WithField("collector", "memory"),
		sem:      sem,
		interval: DefaultSampleInterval,
	}
	m.analyzer = newListenerAnalyzer(sess, m.logger)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples until ctx ends. The first sample fires after one interval,
// and every tick is jittered ±10% so sessions do not align.
func (m *MemorySampler) Run(ctx context.Context) {
	scriptsDone := m.analyzer.trackScripts(ctx)
	defer func() { <-scriptsDone }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.jittered()):
		}
		m.sample(ctx)
	}
}

func (m *MemorySampler) jittered() time.Duration {
	spread := int64(m.interval / 10)
	if spread == 0 {
		return m.interval
	}
	return m.interval + time.Duration(rand.Int63n(2*spread)-spread)
}

func (m *MemorySampler) sample(ctx context.Context) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	res, err := m.sess.Call(ctx, "Performance.getMetrics", nil)
	if err != nil {
		// Transient failure: skip this sample, no retry.
		m.logger.WithError(err).Debug("metrics read failed, sample skipped")
		return
	}
	metrics := make(map[string]float64, 16)
	gjson.GetBytes(res, "metrics").ForEach(func(_, v gjson.Result) bool {
		metrics[v.Get("name").String()] = v.Get("value").Float()
		return true
	})

	heapUsed := metrics["JSHeapUsedSize"]
	heapTotal := metrics["JSHeapTotalSize"]
	listeners := metrics["JSEventListeners"]

	host := m.sess.Host()
	rec := stamp(record.New("memory", host), m.sess)
	rec["url"] = m.sess.URL()

	jsHeap := map[string]any{
		"used":  heapUsed,
		"total": heapTotal,
	}
	if limit := m.heapSizeLimit(ctx); limit > 0 {
		jsHeap["limit"] = limit
	}
	if m.havePrev {
		jsHeap["deltaUsed"] = heapUsed - m.prevHeapUsed
	}
	rec["memory"] = map[string]any{
		"jsHeap":    jsHeap,
		"domNodes":  metrics["Nodes"],
		"listeners": listeners,
		"documents": metrics["Documents"],
		"frames":    metrics["Frames"],
	}
	rec["performance"] = map[string]any{
		"layoutCount":         metrics["LayoutCount"],
		"recalcStyleCount":    metrics["RecalcStyleCount"],
		"layoutDuration":      metrics["LayoutDuration"],
		"recalcStyleDuration": metrics["RecalcStyleDuration"],
		"scriptDuration":      metrics["ScriptDuration"],
	}

	var growth float64
	if m.havePrev {
		growth = listeners - m.prevListeners
	}
	rec["eventListenersAnalysis"] = m.analyzer.analysis(ctx, growth, listeners)

	m.prevHeapUsed = heapUsed
	m.prevListeners = listeners
	m.havePrev = true

	m.emit.Emit(host, record.StreamMemory, rec.Seal())
	if m.onHeap != nil {
		m.onHeap(host, heapUsed, heapTotal)
	}
	if m.onSampled != nil {
		m.onSampled()
	}
}

// heapSizeLimit reads performance.memory.jsHeapSizeLimit once; the limit
// is fixed per renderer, so the extra round trip happens only on the
// first sample.
func (m *MemorySampler) heapSizeLimit(ctx context.Context) float64 {
	if m.heapLimit != 0 {
		return m.heapLimit
	}
	res, err := m.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "performance.memory ? performance.memory.jsHeapSizeLimit : 0",
		"returnByValue": true,
	})
	if err != nil {
		m.heapLimit = -1 // do not retry every sample
		return 0
	}
	m.heapLimit = gjson.GetBytes(res, "result.value").Float()
	return m.heapLimit
}
