// Package record defines the self-describing telemetry records written to
// stream files, their timestamp format, and the deterministic short ids
// they carry.
package record

import (
	"encoding/json"
	"time"
)

// Mandatory fields present on every record.
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldHostname  = "hostname"
	FieldEventID   = "event_id"
)

// Streams every record is routed to. A stream name is also the base name
// of the file the records land in.
const (
	StreamMemory       = "memory"
	StreamConsole      = "console"
	StreamNetwork      = "network"
	StreamGC           = "gc"
	StreamLongtask     = "longtask"
	StreamHeapSampling = "heap_sampling"
	StreamStorage      = "storage"
	StreamCorrelations = "correlations"
)

// Record is one telemetry event, serialized as a single NDJSON line.
type Record map[string]any

// New returns a record of the given type stamped with the current time
// and the host partition it belongs to.
func New(typ, host string) Record {
	return Record{
		FieldType:      typ,
		FieldTimestamp: Timestamp(time.Now()),
		FieldHostname:  host,
	}
}

// Type returns the record's type tag, or "".
func (r Record) Type() string { return r.str(FieldType) }

// Hostname returns the host partition the record belongs to, or "".
func (r Record) Hostname() string { return r.str(FieldHostname) }

// EventID returns the sealed id, or "" when the record is not sealed yet.
func (r Record) EventID() string { return r.str(FieldEventID) }

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Num returns the numeric value at a dotted path, descending nested
// objects, or 0 when absent or non-numeric.
func (r Record) Num(path string) float64 {
	v, ok := lookup(r, path)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// Str returns the string value at a dotted path, or "".
func (r Record) Str(path string) string {
	v, ok := lookup(r, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Timestamp formats t as UTC ISO-8601 with millisecond resolution, the
// wire format of every record timestamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseTimestamp is the inverse of Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}
