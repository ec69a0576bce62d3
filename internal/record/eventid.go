package record

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2s"
)

// idSeparator joins the id source fields before hashing. A control
// character keeps field boundaries unambiguous in the digest input.
const idSeparator = ""

// idDigestLen is the number of digest bytes kept; ids are twice as many
// hex characters.
const idDigestLen = 10

// idFields maps record types to the dotted field paths hashed into
// event_id, in order. Types not listed fall back to defaultIDFields.
var idFields = map[string][]string{
	"memory":                   {"type", "hostname", "timestamp", "targetId", "sessionId", "url"},
	"console":                  {"type", "hostname", "timestamp", "level", "message", "source.url", "source.line"},
	"exception":                {"type", "hostname", "timestamp", "message", "source.url", "source.line", "source.column"},
	"network_request_start":    {"type", "hostname", "timestamp", "requestId", "method", "url"},
	"network_request_complete": {"type", "hostname", "timestamp", "requestId", "status", "url"},
	"network_request_failed":   {"type", "hostname", "timestamp", "requestId", "url", "errorText"},
}

var defaultIDFields = []string{"type", "hostname", "timestamp", "targetId", "sessionId"}

// EventID hashes the given fields, in order, into the short stable id
// carried by every record: a BLAKE2s digest truncated to 10 bytes,
// hex-encoded.
func EventID(fields ...string) string {
	sum := blake2s.Sum256([]byte(strings.Join(fields, idSeparator)))
	return hex.EncodeToString(sum[:idDigestLen])
}

// Seal computes event_id from the record's current fields and stores it.
// Call once, after every id-relevant field is set. Returns the record for
// chaining.
func (r Record) Seal() Record {
	paths := idFields[r.Type()]
	if paths == nil {
		paths = defaultIDFields
	}
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = fieldText(r, p)
	}
	r[FieldEventID] = EventID(parts...)
	return r
}

// RecomputeID parses one serialized record and recomputes the id its
// declared fields produce. It round-trips with Seal: for any sealed
// record, RecomputeID(marshal(r)) == r.EventID().
func RecomputeID(line []byte) string {
	typ := gjson.GetBytes(line, "type").String()
	paths := idFields[typ]
	if paths == nil {
		paths = defaultIDFields
	}
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = gjson.GetBytes(line, p).String()
	}
	return EventID(parts...)
}

// fieldText resolves a dotted path against nested maps and renders the
// value exactly as its JSON serialization would (so Seal before marshal
// and RecomputeID after marshal agree).
func fieldText(r Record, path string) string {
	v, ok := lookup(r, path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func lookup(r Record, path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}
