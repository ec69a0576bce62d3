package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanrichard/browserFairy/internal/record"
)

// clock drives the correlator deterministically.
type clock struct{ at time.Time }

func (c *clock) now() time.Time          { return c.at }
func (c *clock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newClock() *clock {
	return &clock{at: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
}

func testCorrelator(c *clock) *Correlator {
	cr := New()
	cr.now = c.now
	return cr
}

func memoryRecord(delta float64) record.Record {
	rec := record.New("memory", "example.com")
	rec["targetId"] = "page-1"
	rec["sessionId"] = "session-page-1"
	rec["memory"] = map[string]any{
		"jsHeap": map[string]any{"used": float64(90 << 20), "deltaUsed": delta},
	}
	return rec.Seal()
}

func networkComplete(size float64) record.Record {
	rec := record.New("network_request_complete", "example.com")
	rec["url"] = "https://example.com/big.json"
	rec["encodedDataLength"] = size
	return rec.Seal()
}

func consoleError(msg string) record.Record {
	rec := record.New("console", "example.com")
	rec["level"] = "error"
	rec["message"] = msg
	return rec.Seal()
}

func TestCorrelateDownloadThenSpike(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	_, ok := c.Observe("example.com", record.StreamNetwork, networkComplete(2<<20))
	assert.False(t, ok, "remembering evidence produces nothing")

	clk.advance(time.Second)
	out, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(12<<20))
	require.True(t, ok)
	assert.Equal(t, "correlation", out.Type())
	assert.Equal(t, "large_download_memory_spike", out["classification"])
	assert.Equal(t, "medium", out["severity"])
	assert.Equal(t, float64(12<<20), out.Num("primary_event.deltaUsed"))
	assert.Equal(t, "page-1", out.Str("targetId"))
	assert.NotEmpty(t, out.EventID())
}

func TestCorrelateDownloadAndErrorIsHighSeverity(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	clk.advance(500 * time.Millisecond)
	c.Observe("example.com", record.StreamConsole, consoleError("parse failed"))
	clk.advance(500 * time.Millisecond)

	out, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(20<<20))
	require.True(t, ok)
	assert.Equal(t, "large_data_processing_issue", out["classification"])
	assert.Equal(t, "high", out["severity"])
	assert.Equal(t, float64(2), out.Num("evidence.participants"))
}

func TestCorrelateErrorOnly(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	c.Observe("example.com", record.StreamConsole, consoleError("boom"))
	out, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(11<<20))
	require.True(t, ok)
	assert.Equal(t, "error_adjacent_memory_growth", out["classification"])
}

func TestCorrelateIgnoresSmallEvidence(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	// Below the response-size bar: not evidence.
	c.Observe("example.com", record.StreamNetwork, networkComplete(512<<10))
	// Warnings are not errors.
	warn := record.New("console", "example.com")
	warn["level"] = "warning"
	c.Observe("example.com", record.StreamConsole, warn.Seal())

	_, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(15<<20))
	assert.False(t, ok)

	// And a small heap delta never correlates, evidence or not.
	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	_, ok = c.Observe("example.com", record.StreamMemory, memoryRecord(2<<20))
	assert.False(t, ok)
}

func TestCorrelateEvidenceExpires(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	clk.advance(4 * time.Second) // past the join window
	_, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(15<<20))
	assert.False(t, ok)
}

func TestCorrelateRateGatePerHost(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	_, ok := c.Observe("example.com", record.StreamMemory, memoryRecord(15<<20))
	require.True(t, ok)

	// A second spike right behind the first is gated.
	clk.advance(time.Second)
	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	_, ok = c.Observe("example.com", record.StreamMemory, memoryRecord(15<<20))
	assert.False(t, ok)

	// Another host is not.
	c.Observe("other.net", record.StreamNetwork, networkComplete(5<<20))
	_, ok = c.Observe("other.net", record.StreamMemory, memoryRecord(15<<20))
	assert.True(t, ok)

	// And the gate lifts once the window passes.
	clk.advance(3 * time.Second)
	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	_, ok = c.Observe("example.com", record.StreamMemory, memoryRecord(15<<20))
	assert.True(t, ok)
}

func TestCorrelateHostsAreIsolated(t *testing.T) {
	clk := newClock()
	c := testCorrelator(clk)

	c.Observe("example.com", record.StreamNetwork, networkComplete(5<<20))
	_, ok := c.Observe("other.net", record.StreamMemory, memoryRecord(15<<20))
	assert.False(t, ok, "evidence from one host must not explain another's spike")
}
