// Package correlate joins temporally adjacent events across the streams
// of one host: a large JS heap jump landing right after a big network
// response or a console error becomes one correlation record. The
// correlator is a pure consumer: it inspects records it is shown and
// never calls back into the collectors that produced them.
package correlate

import (
	"sync"
	"time"

	"github.com/shanrichard/browserFairy/internal/record"
)

// Correlation thresholds and windows.
const (
	ringSize           = 32
	retention          = 15 * time.Second
	joinWindow         = 3 * time.Second
	heapSpikeBytes     = 10 << 20 // memory deltaUsed trigger
	largeResponseBytes = 1 << 20  // qualifying network completion
)

// summary is one remembered event: just enough to cite as evidence.
type summary struct {
	kind      string // "network" or "console"
	at        time.Time
	timestamp string
	detail    map[string]any
}

type hostState struct {
	ring     [ringSize]*summary
	next     int
	lastEmit time.Time
}

// Correlator keeps a bounded ring of recent summaries per host.
type Correlator struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	now   func() time.Time
}

func New() *Correlator {
	return &Correlator{hosts: make(map[string]*hostState), now: time.Now}
}

// Observe shows the correlator one record on its way to disk. When the
// record is a memory sample that completes a correlation, the composite
// record to append to the correlations stream is returned.
func (c *Correlator) Observe(host, stream string, rec record.Record) (record.Record, bool) {
	switch stream {
	case record.StreamNetwork:
		if rec.Type() == "network_request_complete" && rec.Num("encodedDataLength") >= largeResponseBytes {
			c.remember(host, &summary{
				kind:      "network",
				timestamp: rec.Str("timestamp"),
				detail: map[string]any{
					"type":              rec.Type(),
					"url":               rec.Str("url"),
					"encodedDataLength": rec.Num("encodedDataLength"),
					"timestamp":         rec.Str("timestamp"),
				},
			})
		}
	case record.StreamConsole:
		if rec.Type() == "exception" || rec.Str("level") == "error" {
			c.remember(host, &summary{
				kind:      "console",
				timestamp: rec.Str("timestamp"),
				detail: map[string]any{
					"type":      rec.Type(),
					"message":   rec.Str("message"),
					"timestamp": rec.Str("timestamp"),
				},
			})
		}
	case record.StreamMemory:
		if rec.Num("memory.jsHeap.deltaUsed") >= heapSpikeBytes {
			return c.correlate(host, rec)
		}
	}
	return nil, false
}

func (c *Correlator) remember(host string, s *summary) {
	s.at = c.now()
	c.mu.Lock()
	st := c.state(host)
	st.ring[st.next] = s
	st.next = (st.next + 1) % ringSize
	c.mu.Unlock()
}

// correlate matches a heap spike against the host's ring. At most one
// correlation per joinWindow per host.
func (c *Correlator) correlate(host string, mem record.Record) (record.Record, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(host)
	if now.Sub(st.lastEmit) < joinWindow {
		return nil, false
	}

	var network, console *summary
	for _, s := range st.ring {
		if s == nil || now.Sub(s.at) > joinWindow {
			continue
		}
		switch s.kind {
		case "network":
			if network == nil || s.at.After(network.at) {
				network = s
			}
		case "console":
			if console == nil || s.at.After(console.at) {
				console = s
			}
		}
	}
	if network == nil && console == nil {
		return nil, false
	}
	st.lastEmit = now

	correlations := make([]map[string]any, 0, 2)
	if network != nil {
		correlations = append(correlations, network.detail)
	}
	if console != nil {
		correlations = append(correlations, console.detail)
	}

	var classification, severity string
	switch {
	case network != nil && console != nil:
		classification, severity = "large_data_processing_issue", "high"
	case network != nil:
		classification, severity = "large_download_memory_spike", "medium"
	default:
		classification, severity = "error_adjacent_memory_growth", "medium"
	}

	rec := record.New("correlation", host)
	rec["targetId"] = mem.Str("targetId")
	rec["sessionId"] = mem.Str("sessionId")
	rec["classification"] = classification
	rec["severity"] = severity
	rec["primary_event"] = map[string]any{
		"type":      "memory_spike",
		"deltaUsed": mem.Num("memory.jsHeap.deltaUsed"),
		"heapUsed":  mem.Num("memory.jsHeap.used"),
		"timestamp": mem.Str("timestamp"),
	}
	rec["correlations"] = correlations
	rec["evidence"] = map[string]any{
		"joinWindowSeconds": joinWindow.Seconds(),
		"spikeBytes":        mem.Num("memory.jsHeap.deltaUsed"),
		"participants":      len(correlations),
	}
	return rec.Seal(), true
}

// state must be called with mu held; it also expires entries past
// retention so the ring never cites stale evidence.
func (c *Correlator) state(host string) *hostState {
	st := c.hosts[host]
	if st == nil {
		st = &hostState{}
		c.hosts[host] = st
	}
	cutoff := c.now().Add(-retention)
	for i, s := range st.ring {
		if s != nil && s.at.Before(cutoff) {
			st.ring[i] = nil
		}
	}
	return st
}
