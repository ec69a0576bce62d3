package cdp_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/cdp/cdptest"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestConnectResolvesEndpoint(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })

	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, srv.WSURL(), client.WSURL())
	require.NoError(t, client.Close())
}

func TestConnectDirectWebSocketURL(t *testing.T) {
	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.WSURL(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Call(context.Background(), "Target.setDiscoverTargets", map[string]any{"discover": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))
}

func TestConnectBadEndpointFailsFast(t *testing.T) {
	srv := cdptest.NewServer(t)

	// The HTTP side answers, but not with version info: a permanent
	// handshake failure, not retried.
	start := time.Now()
	_, err := cdp.Connect(context.Background(), srv.Endpoint()+"/nothing-here", nullLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, cdp.ErrHandshakeFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectUnreachableRetries(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1; all three attempts must fail.
	_, err := cdp.Connect(context.Background(), "127.0.0.1:1", nullLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, cdp.ErrUnreachable)
}

func TestCallResult(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Browser.getVersion", map[string]any{"product": "Chrome/126.0.0.0"})

	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.Equal(t, "Chrome/126.0.0.0", gjson.GetBytes(res, "product").String())
}

func TestCallProtocolError(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Fail("Page.navigate", -32000, "Cannot navigate to invalid URL")

	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "Page.navigate", map[string]any{"url": "oops"})
	var perr *cdp.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32000), perr.Code)
	assert.Equal(t, "Page.navigate", perr.Method)
	assert.Contains(t, perr.Error(), "Cannot navigate")
}

func TestCallTimeout(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Stall("HeapProfiler.getSamplingProfile")

	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "HeapProfiler.getSamplingProfile", nil)
	assert.ErrorIs(t, err, cdp.ErrTimeout)
}

func TestSubscribeSessionRouting(t *testing.T) {
	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	const event = "Network.requestWillBeSent"
	tagged := client.Subscribe("session-A", event)
	all := client.Subscribe(cdp.SessionAny, event)
	untagged := client.Subscribe("", event)

	srv.Emit(event, "session-A", map[string]any{"requestId": "1"})
	srv.Emit(event, "session-B", map[string]any{"requestId": "2"})
	srv.Emit(event, "", map[string]any{"requestId": "3"})

	// A call reply arrives after the events queued above, so once it is
	// here the reader has dispatched all three.
	_, err = client.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, drainIDs(tagged))
	assert.Equal(t, []string{"1", "2", "3"}, drainIDs(all))
	assert.Equal(t, []string{"3"}, drainIDs(untagged))
}

func drainIDs(sub *cdp.Subscription) []string {
	var ids []string
	for {
		select {
		case ev := <-sub.C():
			ids = append(ids, gjson.GetBytes(ev.Params, "requestId").String())
		default:
			return ids
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	const event = "DOMStorage.domStorageItemAdded"
	sub := client.Subscribe(cdp.SessionAny, event)

	const emitted = 300
	for i := 0; i < emitted; i++ {
		srv.Emit(event, "", map[string]any{"seq": i})
	}
	_, err = client.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)

	// Everything settled once the reply above arrived; drain what's left.
	var got []int64
drain:
	for {
		select {
		case ev := <-sub.C():
			got = append(got, gjson.GetBytes(ev.Params, "seq").Int())
		default:
			break drain
		}
	}
	require.NotEmpty(t, got)

	dropped := int(sub.Dropped())
	assert.Equal(t, emitted-len(got), dropped)
	assert.Greater(t, dropped, 0)
	// Oldest entries go first: the survivors are the most recent ones.
	assert.Equal(t, int64(emitted-1), got[len(got)-1])
	assert.Equal(t, int64(dropped), got[0])
	assert.Equal(t, uint64(dropped), client.DroppedEvents())
}

func TestDisconnectFailsPendingAndClosesSubscriptions(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })

	srv := cdptest.NewServer(t)
	srv.Stall("Target.getTargets")

	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)

	disconnected := make(chan error, 1)
	client.OnDisconnect(func(cause error) { disconnected <- cause })
	sub := client.Subscribe(cdp.SessionAny, "Target.targetCreated")

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "Target.getTargets", nil)
		callErr <- err
	}()

	// Give the call a moment to hit the wire, then kill the server side.
	time.Sleep(50 * time.Millisecond)
	srv.DropConnections()

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, cdp.ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not drained on disconnect")
	}

	select {
	case cause := <-disconnected:
		assert.Error(t, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}

	_, open := <-sub.C()
	assert.False(t, open, "subscription channel should be closed")

	// Calls after the fact fail immediately.
	_, err = client.Call(context.Background(), "Browser.getVersion", nil)
	assert.ErrorIs(t, err, cdp.ErrDisconnected)
	client.Close()
}

func TestOnDisconnectAfterCloseFiresImmediately(t *testing.T) {
	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)

	require.NoError(t, client.Close())

	fired := make(chan error, 1)
	client.OnDisconnect(func(cause error) { fired <- cause })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("late OnDisconnect registration did not fire")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := cdptest.NewServer(t)
	client, err := cdp.Connect(context.Background(), srv.Endpoint(), nullLogger())
	require.NoError(t, err)
	defer client.Close()

	sub := client.Subscribe(cdp.SessionAny, "Page.loadEventFired")
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	srv.Emit("Page.loadEventFired", "", map[string]any{})
	_, err = client.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Zero(t, sub.Dropped())
}
