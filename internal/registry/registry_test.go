package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/cdp/cdptest"
	"github.com/shanrichard/browserFairy/internal/registry"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// recorder captures hook invocations.
type recorder struct {
	mu        sync.Mutex
	appeared  []registry.TargetInfo
	navigated []string // "id:old→new"
	gone      []string
}

func (r *recorder) hooks() registry.Hooks {
	return registry.Hooks{
		OnAppear: func(t registry.TargetInfo) {
			r.mu.Lock()
			r.appeared = append(r.appeared, t)
			r.mu.Unlock()
		},
		OnNavigate: func(t registry.TargetInfo, oldHost, newHost string) {
			r.mu.Lock()
			r.navigated = append(r.navigated, t.ID+":"+oldHost+">"+newHost)
			r.mu.Unlock()
		},
		OnDisappear: func(id string) {
			r.mu.Lock()
			r.gone = append(r.gone, id)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) appearedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, t := range r.appeared {
		ids = append(ids, t.ID)
	}
	return ids
}

func (r *recorder) goneIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.gone...)
}

func (r *recorder) navigations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigated...)
}

func pageTarget(id, url string) map[string]any {
	return map[string]any{"targetId": id, "type": "page", "url": url, "title": "t"}
}

// startRegistry starts a registry against the stub browser. Tests that
// drive lifecycle purely by events park the reconciliation poll so the
// stub's static target list cannot fight the event stream.
func startRegistry(t *testing.T, srv *cdptest.Server, rec *recorder, poll time.Duration) *registry.Registry {
	t.Helper()
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reg := registry.New(client, rec.hooks(), nullLogger())
	reg.PollInterval = poll

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, reg.Start(ctx))
	return reg
}

func TestRegistrySeedsFromTargetList(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{
		pageTarget("t1", "https://example.com/"),
		map[string]any{"targetId": "w1", "type": "service_worker", "url": "https://example.com/sw.js"},
		pageTarget("t2", "chrome://settings/"),
	}})

	rec := &recorder{}
	reg := startRegistry(t, srv, rec, time.Hour)

	require.Eventually(t, func() bool { return len(rec.appearedIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t1"}, rec.appearedIDs(),
		"non-page and browser-internal targets are not monitorable")

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "example.com", snapshot[0].Host)
	assert.Equal(t, 1, srv.CallCount("Target.setDiscoverTargets"))
}

func TestRegistryFollowsLifecycleEvents(t *testing.T) {
	srv := cdptest.NewServer(t)
	rec := &recorder{}
	reg := startRegistry(t, srv, rec, time.Hour)

	srv.Emit("Target.targetCreated", "", map[string]any{
		"targetInfo": pageTarget("t1", "https://www.example.com/"),
	})
	require.Eventually(t, func() bool { return len(rec.appearedIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)
	require.Len(t, reg.Snapshot(), 1)
	assert.Equal(t, "example.com", reg.Snapshot()[0].Host, "www prefix folds into the host partition")

	// Same-host navigation: URL updates, no hook fires.
	srv.Emit("Target.targetInfoChanged", "", map[string]any{
		"targetInfo": pageTarget("t1", "https://www.example.com/checkout"),
	})
	// Cross-host navigation fires OnNavigate with both hosts.
	srv.Emit("Target.targetInfoChanged", "", map[string]any{
		"targetInfo": pageTarget("t1", "https://pay.example.net/"),
	})
	require.Eventually(t, func() bool { return len(rec.navigations()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t1:example.com>pay.example.net"}, rec.navigations())

	srv.Emit("Target.targetDestroyed", "", map[string]any{"targetId": "t1"})
	require.Eventually(t, func() bool { return len(rec.goneIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Empty(t, reg.Snapshot())
}

func TestRegistryNavigationOntoInternalPageDisappears(t *testing.T) {
	srv := cdptest.NewServer(t)
	rec := &recorder{}
	startRegistry(t, srv, rec, time.Hour)

	srv.Emit("Target.targetCreated", "", map[string]any{
		"targetInfo": pageTarget("t1", "https://example.com/"),
	})
	require.Eventually(t, func() bool { return len(rec.appearedIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)

	srv.Emit("Target.targetInfoChanged", "", map[string]any{
		"targetInfo": pageTarget("t1", "chrome://newtab/"),
	})
	require.Eventually(t, func() bool { return len(rec.goneIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.navigations())
}

func TestRegistryPollRecoversMissedRemovals(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{
		pageTarget("t1", "https://example.com/"),
	}})

	rec := &recorder{}
	startRegistry(t, srv, rec, 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.appearedIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)

	// The target silently vanishes from the list; no destroy event is
	// ever delivered. The poll notices.
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{}})
	require.Eventually(t, func() bool { return len(rec.goneIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t1"}, rec.goneIDs())
}
