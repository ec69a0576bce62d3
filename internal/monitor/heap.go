package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

// Heap-allocation sampling parameters. The sampler is stopped and
// restarted every cycle so the browser-side profile cannot grow without
// bound.
const (
	heapSamplingInterval = 65536 // bytes between samples
	heapProfileCadence   = 60 * time.Second
	heapMaxDepth         = 20
	heapMaxNodes         = 10000
	heapTopAllocators    = 10
)

// HeapSampler pulls one sampled allocation profile per cycle and emits a
// heap_sampling record with the top allocators by self-size.
type HeapSampler struct {
	sess    Session
	emit    Emitter
	logger  logrus.FieldLogger
	cadence time.Duration
}

// HeapOption tweaks a sampler before it runs.
type HeapOption func(*HeapSampler)

// WithHeapCadence overrides the profile pull cadence, mainly for tests.
func WithHeapCadence(d time.Duration) HeapOption {
	return func(h *HeapSampler) { h.cadence = d }
}

func NewHeapSampler(sess Session, emit Emitter, logger logrus.FieldLogger, opts ...HeapOption) *HeapSampler {
	h := &HeapSampler{
		sess:    sess,
		emit:    emit,
		logger:  logger.WithField("collector", "heap"),
		cadence: heapProfileCadence,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run cycles start-sampling → wait → pull-and-stop until ctx ends.
func (h *HeapSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cadence)
	defer ticker.Stop()
	if !h.start(ctx) {
		return
	}
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cycle(ctx)
		}
	}
}

func (h *HeapSampler) start(ctx context.Context) bool {
	_, err := h.sess.Call(ctx, "HeapProfiler.startSampling", map[string]any{
		"samplingInterval": heapSamplingInterval,
	})
	if err != nil {
		h.logger.WithError(err).Debug("heap sampling unavailable")
		return false
	}
	return true
}

func (h *HeapSampler) stop() {
	if h.sess.Closing() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = h.sess.Call(ctx, "HeapProfiler.stopSampling", nil)
}

func (h *HeapSampler) cycle(ctx context.Context) {
	res, err := h.sess.Call(ctx, "HeapProfiler.getSamplingProfile", nil)
	if err != nil {
		h.logger.WithError(err).Debug("profile pull failed, cycle skipped")
		return
	}
	// Restart to reset the browser-side profile.
	if _, err := h.sess.Call(ctx, "HeapProfiler.stopSampling", nil); err == nil {
		h.start(ctx)
	}
	h.emitProfile(gjson.GetBytes(res, "profile"))
}

type allocator struct {
	FunctionName string  `json:"functionName"`
	ScriptURL    string  `json:"scriptUrl"`
	Line         float64 `json:"line"`
	Column       float64 `json:"column"`
	SelfSize     float64 `json:"selfSize"`
	Percent      float64 `json:"percent"`
}

// emitProfile walks the profile tree, bounded by depth and node count,
// aggregating self-size per call frame.
func (h *HeapSampler) emitProfile(profile gjson.Result) {
	byFrame := make(map[string]*allocator)
	var totalSize, maxAllocation float64
	nodes := 0

	var walk func(node gjson.Result, depth int)
	walk = func(node gjson.Result, depth int) {
		if depth > heapMaxDepth || nodes >= heapMaxNodes {
			return
		}
		nodes++
		selfSize := node.Get("selfSize").Float()
		if selfSize > 0 {
			frame := node.Get("callFrame")
			key := frame.Get("functionName").String() + "|" + frame.Get("url").String() + "|" +
				frame.Get("lineNumber").Raw + "|" + frame.Get("columnNumber").Raw
			a := byFrame[key]
			if a == nil {
				a = &allocator{
					FunctionName: frame.Get("functionName").String(),
					ScriptURL:    frame.Get("url").String(),
					Line:         frame.Get("lineNumber").Float(),
					Column:       frame.Get("columnNumber").Float(),
				}
				byFrame[key] = a
			}
			a.SelfSize += selfSize
			totalSize += selfSize
			if selfSize > maxAllocation {
				maxAllocation = selfSize
			}
		}
		node.Get("children").ForEach(func(_, child gjson.Result) bool {
			walk(child, depth+1)
			return nodes < heapMaxNodes
		})
	}
	walk(profile.Get("head"), 0)

	top := make([]*allocator, 0, len(byFrame))
	for _, a := range byFrame {
		top = append(top, a)
	}
	sort.Slice(top, func(i, j int) bool { return top[i].SelfSize > top[j].SelfSize })
	if len(top) > heapTopAllocators {
		top = top[:heapTopAllocators]
	}
	for _, a := range top {
		if totalSize > 0 {
			a.Percent = 100 * a.SelfSize / totalSize
		}
	}

	host := h.sess.Host()
	rec := stamp(record.New("heap_sampling", host), h.sess)
	rec["sampling_config"] = map[string]any{
		"samplingInterval": heapSamplingInterval,
		"cadenceSeconds":   h.cadence.Seconds(),
	}
	rec["profile_summary"] = map[string]any{
		"totalSize":         totalSize,
		"totalSamples":      profile.Get("samples.#").Int(),
		"nodeCount":         nodes,
		"maxAllocationSize": maxAllocation,
	}
	rec["top_allocators"] = top
	h.emit.Emit(host, record.StreamHeapSampling, rec.Seal())
}
