package engine_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/cdp/cdptest"
	"github.com/shanrichard/browserFairy/internal/engine"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func pageTarget(id, url string) map[string]any {
	return map[string]any{"targetId": id, "type": "page", "url": url, "title": "t"}
}

// sessionDir finds the single session directory created under root.
func sessionDir(t *testing.T, fs afero.Fs, root string) string {
	t.Helper()
	infos, err := afero.ReadDir(fs, root)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, strings.HasPrefix(infos[0].Name(), "session_"))
	return filepath.Join(root, infos[0].Name())
}

func TestEngineRunWritesStreamsAndOverview(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{
		pageTarget("t1", "https://example.com/app"),
	}})

	fs := afero.NewMemMapFs()
	eng := engine.New(engine.Config{
		Browser:        engine.NewRemoteBrowser(srv.Endpoint()),
		Fs:             fs,
		DataDir:        "/data",
		Duration:       500 * time.Millisecond,
		SampleInterval: 60 * time.Millisecond,
		Logger:         nullLogger(),
	})
	require.NoError(t, eng.Run(context.Background()))

	dir := sessionDir(t, fs, "/data")
	data, err := afero.ReadFile(fs, filepath.Join(dir, "example.com", "memory.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2, "a half-second run samples memory several times")
	first := gjson.Parse(lines[0])
	assert.Equal(t, "memory", first.Get("type").String())
	assert.Equal(t, "example.com", first.Get("hostname").String())
	assert.Equal(t, "t1", first.Get("targetId").String())
	assert.NotEmpty(t, first.Get("event_id").String())

	overview, err := afero.ReadFile(fs, filepath.Join(dir, "overview.json"))
	require.NoError(t, err)
	parsed := gjson.ParseBytes(overview)
	assert.Equal(t, engine.Version, parsed.Get("version").String())
	assert.Greater(t, parsed.Get(`streams.example\.com/memory.written`).Int(), int64(0))
	assert.NotEmpty(t, parsed.Get("startTime").String())
}

func TestEngineSplitsHostsAfterNavigation(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{
		pageTarget("t1", "https://example.com/"),
	}})

	fs := afero.NewMemMapFs()
	eng := engine.New(engine.Config{
		Browser:        engine.NewRemoteBrowser(srv.Endpoint()),
		Fs:             fs,
		DataDir:        "/data",
		SampleInterval: 50 * time.Millisecond,
		Logger:         nullLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	dirExists := func(host string) func() bool {
		return func() bool {
			infos, err := afero.ReadDir(fs, "/data")
			if err != nil || len(infos) != 1 {
				return false
			}
			ok, _ := afero.Exists(fs, filepath.Join("/data", infos[0].Name(), host, "memory.jsonl"))
			return ok
		}
	}
	require.Eventually(t, dirExists("example.com"), 5*time.Second, 20*time.Millisecond)

	// The page moves to a different site; its stream must move with it.
	srv.Emit("Target.targetInfoChanged", "", map[string]any{
		"targetInfo": pageTarget("t1", "https://dashboard.other.net/"),
	})
	srv.HandleResult("Target.getTargets", map[string]any{"targetInfos": []any{
		pageTarget("t1", "https://dashboard.other.net/"),
	}})
	require.Eventually(t, dirExists("dashboard.other.net"), 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestEngineFailedDiscoveryShutsDownCleanly(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Fail("Target.setDiscoverTargets", -32000, "not allowed")

	fs := afero.NewMemMapFs()
	eng := engine.New(engine.Config{
		Browser: engine.NewRemoteBrowser(srv.Endpoint()),
		Fs:      fs,
		DataDir: "/data",
		Logger:  nullLogger(),
	})
	err := eng.Run(context.Background())
	require.ErrorContains(t, err, "target discovery")

	// The supervisor and writers were torn down: the session dir holds at
	// most the overview bookkeeping, never stream files.
	dir := sessionDir(t, fs, "/data")
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, info.IsDir(), "no host stream directories expected, found %s", info.Name())
	}
}

func TestEngineStopsOnDisconnect(t *testing.T) {
	srv := cdptest.NewServer(t)
	fs := afero.NewMemMapFs()
	eng := engine.New(engine.Config{
		Browser: engine.NewRemoteBrowser(srv.Endpoint()),
		Fs:      fs,
		DataDir: "/data",
		Logger:  nullLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()
	time.Sleep(200 * time.Millisecond)
	srv.DropConnections()

	select {
	case err := <-done:
		require.NoError(t, err, "a vanished browser is a normal ending")
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop on disconnect")
	}

	// The overview still lands even though the browser is gone.
	overview, err := afero.ReadFile(fs, filepath.Join(sessionDir(t, fs, "/data"), "overview.json"))
	require.NoError(t, err)
	assert.Equal(t, engine.Version, gjson.ParseBytes(overview).Get("version").String())
}

// fakeBrowser closes its exit channel on demand.
type fakeBrowser struct {
	endpoint string
	exited   chan struct{}
}

func (b *fakeBrowser) Endpoint() string          { return b.endpoint }
func (b *fakeBrowser) WaitExit() <-chan struct{} { return b.exited }

func TestEngineStopsWhenBrowserExits(t *testing.T) {
	srv := cdptest.NewServer(t)
	browser := &fakeBrowser{endpoint: srv.Endpoint(), exited: make(chan struct{})}
	eng := engine.New(engine.Config{
		Browser: browser,
		Fs:      afero.NewMemMapFs(),
		DataDir: "/data",
		Logger:  nullLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	close(browser.exited)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop on browser exit")
	}
}
