package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 24, 15, 4, 5, 123_456_789, time.UTC)
	assert.Equal(t, "2026-08-24T15:04:05.123Z", Timestamp(at))

	// Non-UTC inputs are converted, never formatted with a local offset.
	loc := time.FixedZone("X", 3600)
	assert.Equal(t, "2026-08-24T14:04:05.123Z", Timestamp(time.Date(2026, 8, 24, 15, 4, 5, 123_456_789, loc)))

	back, err := ParseTimestamp("2026-08-24T15:04:05.123Z")
	require.NoError(t, err)
	assert.True(t, back.Equal(at.Truncate(time.Millisecond)), "parsed %v", back)
}

func TestEventIDDeterministic(t *testing.T) {
	t.Parallel()

	a := EventID("memory", "example.com", "2026-08-24T15:04:05.123Z")
	b := EventID("memory", "example.com", "2026-08-24T15:04:05.123Z")
	assert.Equal(t, a, b)
	assert.Len(t, a, 20)

	// Field boundaries matter: "ab"+"c" must not collide with "a"+"bc".
	assert.NotEqual(t, EventID("ab", "c"), EventID("a", "bc"))
}

func TestSealAndRecompute(t *testing.T) {
	t.Parallel()

	rec := New("network_request_complete", "example.com")
	rec["requestId"] = "1000.7"
	rec["url"] = "https://example.com/api/data"
	rec["status"] = 200
	rec["encodedDataLength"] = 204800.0
	rec.Seal()

	require.NotEmpty(t, rec.EventID())

	line, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.EventID(), RecomputeID(line))
}

func TestSealNestedFields(t *testing.T) {
	t.Parallel()

	rec := New("console", "example.com")
	rec["level"] = "error"
	rec["message"] = "boom"
	rec["source"] = map[string]any{"url": "https://example.com/app.js", "line": 42}
	rec.Seal()

	line, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.EventID(), RecomputeID(line))

	// Changing an id-relevant field changes the id.
	rec2 := New("console", "example.com")
	rec2[FieldTimestamp] = rec[FieldTimestamp]
	rec2["level"] = "error"
	rec2["message"] = "boom"
	rec2["source"] = map[string]any{"url": "https://example.com/app.js", "line": 43}
	rec2.Seal()
	assert.NotEqual(t, rec.EventID(), rec2.EventID())
}

func TestSealUnknownTypeFallsBack(t *testing.T) {
	t.Parallel()

	rec := New("websocket_frame_received", "example.com")
	rec["targetId"] = "T1"
	rec["sessionId"] = "S1"
	rec.Seal()

	line, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.EventID(), RecomputeID(line))
}

func TestNumAndStrPaths(t *testing.T) {
	t.Parallel()

	rec := Record{
		"memory": map[string]any{"jsHeap": map[string]any{"used": 1024.0}},
		"level":  "warning",
	}
	assert.Equal(t, 1024.0, rec.Num("memory.jsHeap.used"))
	assert.Equal(t, 0.0, rec.Num("memory.jsHeap.missing"))
	assert.Equal(t, "warning", rec.Str("level"))
	assert.Equal(t, "", rec.Str("level.nested"))
}
