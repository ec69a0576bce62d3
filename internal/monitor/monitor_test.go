package monitor_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/cdp/cdptest"
	"github.com/shanrichard/browserFairy/internal/record"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// sink collects emitted records for assertions.
type sink struct {
	mu   sync.Mutex
	recs []emitted
}

type emitted struct {
	host   string
	stream string
	rec    record.Record
}

func (s *sink) Emit(host, stream string, rec record.Record) {
	s.mu.Lock()
	s.recs = append(s.recs, emitted{host, stream, rec})
	s.mu.Unlock()
}

func (s *sink) all() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]emitted, len(s.recs))
	copy(out, s.recs)
	return out
}

// ofType returns the collected records with the given type tag.
func (s *sink) ofType(typ string) []record.Record {
	var out []record.Record
	for _, e := range s.all() {
		if e.rec.Type() == typ {
			out = append(out, e.rec)
		}
	}
	return out
}

// waitType blocks until at least n records of the given type arrived.
func (s *sink) waitType(t *testing.T, typ string, n int) []record.Record {
	t.Helper()
	var recs []record.Record
	require.Eventually(t, func() bool {
		recs = s.ofType(typ)
		return len(recs) >= n
	}, 5*time.Second, 10*time.Millisecond, "want %d %q records", n, typ)
	return recs
}

// asJSON round-trips a record through JSON so nested values can be
// asserted with gjson paths regardless of their in-memory types.
func asJSON(t *testing.T, rec record.Record) gjson.Result {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

// testSession adapts a raw protocol session to the collector-facing
// interface, pinning host and URL the way the supervisor would.
type testSession struct {
	*cdp.Session
	host string
	url  string
}

func (s *testSession) Host() string { return s.host }
func (s *testSession) URL() string  { return s.url }

// attach connects to the stub browser and attaches to one page target.
func attach(t *testing.T, srv *cdptest.Server, host, url string) *testSession {
	t.Helper()
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sess, err := client.AttachToTarget(context.Background(), "page-1")
	require.NoError(t, err)
	return &testSession{Session: sess, host: host, url: url}
}

// startCollector runs fn on its own goroutine and gives its
// subscriptions a moment to register before the test emits events.
func startCollector(t *testing.T, fn func(context.Context)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("collector did not stop")
		}
	})
	time.Sleep(50 * time.Millisecond)
}
