package monitor

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shanrichard/browserFairy/internal/record"
)

// GC inference thresholds. Classification is a heuristic: the protocol
// exposes no authoritative GC feed, so collections are inferred from
// heap-used step drops between consecutive memory samples, with console
// messages as a secondary hint. Drops below minorGCDropBytes are treated
// as engine noise and ignored.
const (
	majorGCDropBytes = 10 << 20
	minorGCDropBytes = 1 << 20
)

// GCTracker derives gc records for one session. It owns no protocol
// subscriptions: the memory sampler pushes heap readings via ObserveHeap
// and the console observer forwards messages via ObserveMessage.
type GCTracker struct {
	sess   Session
	emit   Emitter
	logger logrus.FieldLogger

	mu       sync.Mutex
	prevUsed float64
	havePrev bool
}

func NewGCTracker(sess Session, emit Emitter, logger logrus.FieldLogger) *GCTracker {
	return &GCTracker{
		sess:   sess,
		emit:   emit,
		logger: logger.WithField("collector", "gc"),
	}
}

// ObserveHeap consumes one heap reading. A used-bytes drop past the
// minor threshold emits a gc record classified by drop size.
func (g *GCTracker) ObserveHeap(host string, heapUsed, heapTotal float64) {
	g.mu.Lock()
	prev, have := g.prevUsed, g.havePrev
	g.prevUsed = heapUsed
	g.havePrev = true
	g.mu.Unlock()
	if !have {
		return
	}

	drop := prev - heapUsed
	var kind string
	switch {
	case drop >= majorGCDropBytes:
		kind = "major"
	case drop >= minorGCDropBytes:
		kind = "minor"
	default:
		return
	}

	rec := stamp(record.New("gc", host), g.sess)
	rec["kind"] = kind
	rec["heapBefore"] = prev
	rec["heapAfter"] = heapUsed
	rec["delta"] = heapUsed - prev
	rec["heapTotal"] = heapTotal
	rec["inferredFrom"] = "heap_delta"
	g.emit.Emit(host, record.StreamGC, rec.Seal())
}

// ObserveMessage consumes console text and emits a gc record when the
// engine mentions a collection by name. Drop sizes are unknown on this
// path, so such records carry the message instead of heap figures.
func (g *GCTracker) ObserveMessage(host, text string) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "garbage collect") && !strings.Contains(lower, " gc ") {
		return
	}
	kind := ""
	switch {
	case strings.Contains(lower, "major") || strings.Contains(lower, "mark-compact"):
		kind = "major"
	case strings.Contains(lower, "minor") || strings.Contains(lower, "scavenge"):
		kind = "minor"
	}

	rec := stamp(record.New("gc", host), g.sess)
	if kind != "" {
		rec["kind"] = kind
	}
	rec["message"] = truncate(text, maxConsoleMessage)
	rec["inferredFrom"] = "console_hint"
	g.emit.Emit(host, record.StreamGC, rec.Seal())
}
