// Package monitor contains the per-session collectors: memory (with the
// event-listener leak analyzer), network (with websocket frames and call
// stack enrichment), console, GC, long-task, heap-allocation sampling,
// and storage. Each collector is a small state machine that registers its
// protocol subscriptions when it starts and releases them when its
// context ends. Collectors never block the protocol client's reader and
// never stop their siblings when they fail.
package monitor

import (
	"context"
	"encoding/json"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/record"
)

// Session is the slice of an attached target the collectors consume.
// Host is re-read per record because navigation can move a live target
// to a different host partition.
type Session interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(events ...string) *cdp.Subscription
	Closing() bool
	TargetID() string
	ID() string
	Host() string
	URL() string
}

// Emitter accepts finished records for one (host, stream) partition.
// Implementations must not block for long; the writer behind them applies
// its own back-pressure policy.
type Emitter interface {
	Emit(host, stream string, rec record.Record)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(host, stream string, rec record.Record)

// Emit calls f.
func (f EmitterFunc) Emit(host, stream string, rec record.Record) { f(host, stream, rec) }

// Original is a source-map-resolved position.
type Original struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Name   string `json:"name,omitempty"`
}

// SourceMapResolver maps a generated position back to its original
// source. Implementations must be side-effect-free and respect ctx; the
// console observer budgets a couple hundred milliseconds per call.
type SourceMapResolver interface {
	Resolve(ctx context.Context, scriptURL string, line, column int) (Original, bool)
}

// stamp fills the identity fields shared by every per-session record.
func stamp(rec record.Record, sess Session) record.Record {
	rec["targetId"] = sess.TargetID()
	rec["sessionId"] = sess.ID()
	return rec
}

// truncateMarker flags any value cut down by a capture limit.
const truncateMarker = "...[truncated]"

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncateMarker
}
