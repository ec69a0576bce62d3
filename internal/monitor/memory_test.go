package monitor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/cdp/cdptest"
	"github.com/shanrichard/browserFairy/internal/monitor"
)

func TestMemorySamplerEmitsSamples(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Runtime.evaluate", map[string]any{
		"result": map[string]any{"value": float64(4 << 30)},
	})
	sess := attach(t, srv, "example.com", "https://example.com/app")

	out := &sink{}
	sampled := atomic.Int64{}
	sampler := monitor.NewMemorySampler(sess, out, semaphore.NewWeighted(8), nullLogger(),
		monitor.WithSampleInterval(30*time.Millisecond),
		monitor.WithSampledHook(func() { sampled.Add(1) }),
	)
	startCollector(t, sampler.Run)

	recs := out.waitType(t, "memory", 2)
	first := asJSON(t, recs[0])
	assert.Equal(t, "example.com", first.Get("hostname").String())
	assert.Equal(t, "https://example.com/app", first.Get("url").String())
	assert.Equal(t, "page-1", first.Get("targetId").String())
	assert.Equal(t, float64(50<<20), first.Get("memory.jsHeap.used").Float())
	assert.Equal(t, float64(80<<20), first.Get("memory.jsHeap.total").Float())
	assert.Equal(t, float64(4<<30), first.Get("memory.jsHeap.limit").Float())
	assert.Equal(t, float64(1500), first.Get("memory.domNodes").Float())
	assert.Equal(t, float64(12), first.Get("performance.layoutCount").Float())
	assert.NotEmpty(t, first.Get("event_id").String())
	assert.False(t, first.Get("memory.jsHeap.deltaUsed").Exists(),
		"first sample has nothing to delta against")

	second := asJSON(t, recs[1])
	assert.True(t, second.Get("memory.jsHeap.deltaUsed").Exists())
	assert.Equal(t, 0.0, second.Get("memory.jsHeap.deltaUsed").Float())
	assert.GreaterOrEqual(t, sampled.Load(), int64(2))
}

func TestMemorySamplerHeapHookSeesReadings(t *testing.T) {
	srv := cdptest.NewServer(t)
	sess := attach(t, srv, "example.com", "https://example.com/")

	out := &sink{}
	var used atomic.Int64
	sampler := monitor.NewMemorySampler(sess, out, semaphore.NewWeighted(1), nullLogger(),
		monitor.WithSampleInterval(20*time.Millisecond),
		monitor.WithHeapHook(func(host string, heapUsed, _ float64) {
			assert.Equal(t, "example.com", host)
			used.Store(int64(heapUsed))
		}),
	)
	startCollector(t, sampler.Run)

	require.Eventually(t, func() bool { return used.Load() == 50<<20 },
		5*time.Second, 10*time.Millisecond)
}

func TestMemorySamplerListenerGrowthTriggersAnalysis(t *testing.T) {
	srv := cdptest.NewServer(t)

	// First sample sees 10 listeners, every later one 60: a +50 jump past
	// the growth threshold.
	var calls atomic.Int64
	srv.Handle("Performance.getMetrics", func(cdptest.Request) (any, *cdp.ProtocolError) {
		listeners := 10.0
		if calls.Add(1) > 1 {
			listeners = 60.0
		}
		res := cdptest.DefaultMetrics(50<<20, 80<<20)
		for _, m := range res["metrics"].([]any) {
			metric := m.(map[string]any)
			if metric["name"] == "JSEventListeners" {
				metric["value"] = listeners
			}
		}
		return res, nil
	})
	sess := attach(t, srv, "example.com", "https://example.com/")

	out := &sink{}
	sampler := monitor.NewMemorySampler(sess, out, semaphore.NewWeighted(8), nullLogger(),
		monitor.WithSampleInterval(30*time.Millisecond))
	startCollector(t, sampler.Run)

	recs := out.waitType(t, "memory", 2)
	first := asJSON(t, recs[0])
	assert.Equal(t, 0.0, first.Get("eventListenersAnalysis.growthDelta").Float())
	assert.False(t, first.Get("eventListenersAnalysis.analysisTriggered").Bool())

	second := asJSON(t, recs[1])
	assert.Equal(t, 50.0, second.Get("eventListenersAnalysis.growthDelta").Float())
	assert.True(t, second.Get("eventListenersAnalysis.analysisTriggered").Bool())
}

func TestListenerSummaryEstimatesElementShare(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Runtime.evaluate", map[string]any{
		"result": map[string]any{"objectId": "node-1"},
	})
	// document and window each report three direct listeners; the
	// JSEventListeners metric (42) covers those plus element listeners.
	srv.HandleResult("DOMDebugger.getEventListeners", map[string]any{
		"listeners": []any{
			map[string]any{"type": "click"},
			map[string]any{"type": "click"},
			map[string]any{"type": "scroll"},
		},
	})
	sess := attach(t, srv, "example.com", "https://example.com/")

	out := &sink{}
	sampler := monitor.NewMemorySampler(sess, out, semaphore.NewWeighted(8), nullLogger(),
		monitor.WithSampleInterval(30*time.Millisecond))
	startCollector(t, sampler.Run)

	summary := asJSON(t, out.waitType(t, "memory", 1)[0]).Get("eventListenersAnalysis.summary")
	assert.Equal(t, 3.0, summary.Get("byTarget.document").Float())
	assert.Equal(t, 3.0, summary.Get("byTarget.window").Float())
	assert.Equal(t, 36.0, summary.Get("byTarget.elements").Float())
	assert.Equal(t, 42.0, summary.Get("total").Float())
	assert.Equal(t, 4.0, summary.Get("byType.click").Float())
	assert.Equal(t, 2.0, summary.Get("byType.scroll").Float())
}

func TestMemorySamplerSkipsFailedReads(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Fail("Performance.getMetrics", -32000, "target crashed")
	sess := attach(t, srv, "example.com", "https://example.com/")

	out := &sink{}
	sampler := monitor.NewMemorySampler(sess, out, semaphore.NewWeighted(8), nullLogger(),
		monitor.WithSampleInterval(20*time.Millisecond))
	startCollector(t, sampler.Run)

	// Samples fail quietly: nothing emitted, nothing crashes.
	require.Eventually(t, func() bool { return srv.CallCount("Performance.getMetrics") >= 2 },
		5*time.Second, 10*time.Millisecond)
	assert.Empty(t, out.ofType("memory"))
}
