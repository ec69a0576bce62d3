package monitor

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

// Network observer limits and triggers.
const (
	networkEventsPerSecond = 50
	maxLiveRequests        = 1000
	maxRecordURL           = 500

	largeBodyBytes      = 100 << 10 // upload and download stack triggers
	repeatedSizeBytes   = 10 << 10
	highFrequencyCount  = 10
	repeatedLoadCount   = 3
	maxSyncStackFrames  = 30
	maxAsyncStackFrames = 15

	maxResponseHeaders   = 20
	maxHeaderValueLength = 256
)

// NetworkObserver follows the request lifecycle of one session and emits
// network_request_start / network_request_complete / network_request_failed
// records plus the websocket frame sub-stream. All state lives on the
// single event-loop goroutine, so none of it is locked.
type NetworkObserver struct {
	sess    Session
	emit    Emitter
	logger  logrus.FieldLogger
	limiter *EventLimiter

	requests map[string]*requestRow
	order    []string // FIFO eviction past maxLiveRequests

	endpointCounts map[string]int // method + URL-without-query
	resourceCounts map[string]int // exact URL
	asyncDepthSet  bool

	conns map[string]*wsConn
}

type requestRow struct {
	requestID string
	method    string
	url       string
	started   time.Time
	bodySize  int
	initiator gjson.Result // snapshotted only when it carries a stack
	hasStack  bool

	// Response metadata arrives on responseReceived; loadingFinished
	// carries only the encoded length.
	status   float64
	mimeType string
	headers  map[string]string
}

func NewNetworkObserver(sess Session, emit Emitter, logger logrus.FieldLogger) *NetworkObserver {
	return &NetworkObserver{
		sess:           sess,
		emit:           emit,
		logger:         logger.WithField("collector", "network"),
		limiter:        NewEventLimiter(networkEventsPerSecond),
		requests:       make(map[string]*requestRow),
		endpointCounts: make(map[string]int),
		resourceCounts: make(map[string]int),
		conns:          make(map[string]*wsConn),
	}
}

// Dropped returns how many network events the rate limiter rejected.
func (n *NetworkObserver) Dropped() uint64 { return n.limiter.Dropped() }

// Run consumes lifecycle events until ctx ends.
func (n *NetworkObserver) Run(ctx context.Context) {
	sub := n.sess.Subscribe(
		"Network.requestWillBeSent",
		"Network.responseReceived",
		"Network.loadingFinished",
		"Network.loadingFailed",
		"Network.webSocketCreated",
		"Network.webSocketFrameSent",
		"Network.webSocketFrameReceived",
		"Network.webSocketFrameError",
		"Network.webSocketClosed",
	)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !n.limiter.Allow() {
				continue
			}
			params := gjson.ParseBytes(ev.Params)
			switch ev.Method {
			case "Network.requestWillBeSent":
				n.onRequest(params)
			case "Network.responseReceived":
				n.onResponse(params)
			case "Network.loadingFinished":
				n.onFinished(ctx, params)
			case "Network.loadingFailed":
				n.onFailed(params)
			default:
				n.onWebSocketEvent(ev.Method, params)
			}
		}
	}
}

func (n *NetworkObserver) onRequest(params gjson.Result) {
	id := params.Get("requestId").String()
	if id == "" {
		return
	}
	rawURL := params.Get("request.url").String()
	row := &requestRow{
		requestID: id,
		method:    params.Get("request.method").String(),
		url:       rawURL,
		started:   time.Now(),
		bodySize:  len(params.Get("request.postData").String()),
	}

	// Initiator stacks are kept only for likely enrichment candidates so
	// a busy page cannot pin unbounded stack snapshots.
	initiator := params.Get("initiator")
	if initiator.Get("stack").Exists() &&
		(initiator.Get("type").String() == "script" || row.bodySize > largeBodyBytes) {
		row.initiator = initiator
		row.hasStack = true
	}

	n.track(row)
	n.endpointCounts[endpointKey(row.method, rawURL)]++
	n.resourceCounts[rawURL]++

	host := n.sess.Host()
	rec := stamp(record.New("network_request_start", host), n.sess)
	rec["requestId"] = id
	rec["method"] = row.method
	rec["url"] = truncate(rawURL, maxRecordURL)
	rec["resourceType"] = params.Get("type").String()
	rec["initiatorType"] = initiator.Get("type").String()
	if row.bodySize > 0 {
		rec["postDataSize"] = row.bodySize
	}
	n.emit.Emit(host, record.StreamNetwork, rec.Seal())
}

func (n *NetworkObserver) onResponse(params gjson.Result) {
	row := n.requests[params.Get("requestId").String()]
	if row == nil {
		return
	}
	row.status = params.Get("response.status").Float()
	row.mimeType = params.Get("response.mimeType").String()
	row.headers = pruneHeaders(params.Get("response.headers"))
}

func (n *NetworkObserver) onFinished(ctx context.Context, params gjson.Result) {
	id := params.Get("requestId").String()
	row := n.take(id)
	if row == nil {
		return
	}
	size := int(params.Get("encodedDataLength").Float())

	host := n.sess.Host()
	rec := stamp(record.New("network_request_complete", host), n.sess)
	rec["requestId"] = id
	rec["method"] = row.method
	rec["url"] = truncate(row.url, maxRecordURL)
	rec["status"] = row.status
	rec["mimeType"] = row.mimeType
	rec["encodedDataLength"] = size
	rec["durationMs"] = float64(time.Since(row.started).Milliseconds())
	if row.headers != nil {
		rec["responseHeaders"] = row.headers
	}
	if reason := n.stackReason(row, size); reason != "" {
		n.attachStack(ctx, rec, row, reason)
	}
	n.emit.Emit(host, record.StreamNetwork, rec.Seal())
}

func (n *NetworkObserver) onFailed(params gjson.Result) {
	id := params.Get("requestId").String()
	row := n.take(id)
	if row == nil {
		return
	}
	host := n.sess.Host()
	rec := stamp(record.New("network_request_failed", host), n.sess)
	rec["requestId"] = id
	rec["method"] = row.method
	rec["url"] = truncate(row.url, maxRecordURL)
	rec["errorText"] = params.Get("errorText").String()
	rec["canceled"] = params.Get("canceled").Bool()
	rec["durationMs"] = float64(time.Since(row.started).Milliseconds())
	n.emit.Emit(host, record.StreamNetwork, rec.Seal())
}

func (n *NetworkObserver) track(row *requestRow) {
	if _, exists := n.requests[row.requestID]; !exists {
		n.order = append(n.order, row.requestID)
	}
	n.requests[row.requestID] = row
	for len(n.requests) > maxLiveRequests && len(n.order) > 0 {
		oldest := n.order[0]
		n.order = n.order[1:]
		delete(n.requests, oldest)
	}
}

func (n *NetworkObserver) take(id string) *requestRow {
	row := n.requests[id]
	if row == nil {
		return nil
	}
	delete(n.requests, id)
	return row
}

// stackReason decides whether this request's completion record deserves a
// call stack and names the trigger.
func (n *NetworkObserver) stackReason(row *requestRow, size int) string {
	switch {
	case row.bodySize > largeBodyBytes:
		return "large_upload"
	case size > largeBodyBytes:
		return "large_download"
	}
	if c := n.endpointCounts[endpointKey(row.method, row.url)]; c > highFrequencyCount {
		return "high_frequency_api_" + strconv.Itoa(c)
	}
	if c := n.resourceCounts[row.url]; c > repeatedLoadCount && size > repeatedSizeBytes {
		return "repeated_resource_" + strconv.Itoa(c)
	}
	return ""
}

// attachStack builds detailedStack from the initiator snapshot taken at
// request start. The only round trip is a one-time async-depth enable for
// future requests, skipped when the session is closing.
func (n *NetworkObserver) attachStack(ctx context.Context, rec record.Record, row *requestRow, reason string) {
	if !n.asyncDepthSet && !n.sess.Closing() {
		n.asyncDepthSet = true
		if _, err := n.sess.Call(ctx, "Debugger.setAsyncCallStackDepth", map[string]any{"maxDepth": 32}); err != nil {
			n.logger.WithError(err).Debug("async stack depth enable failed")
		}
	}

	stack := map[string]any{"reason": reason}
	frames := []map[string]any{}
	asyncFrames := []map[string]any{}
	truncated := false
	if row.hasStack {
		syncStack := row.initiator.Get("stack")
		frames, truncated = collectFrames(syncStack.Get("callFrames"), maxSyncStackFrames)
		for parent := syncStack.Get("parent"); parent.Exists() && len(asyncFrames) < maxAsyncStackFrames; parent = parent.Get("parent") {
			pf, more := collectFrames(parent.Get("callFrames"), maxAsyncStackFrames-len(asyncFrames))
			asyncFrames = append(asyncFrames, pf...)
			truncated = truncated || more
		}
	}
	stack["frames"] = frames
	stack["asyncFrames"] = asyncFrames
	stack["truncated"] = truncated
	rec["detailedStack"] = stack
}

func collectFrames(callFrames gjson.Result, max int) ([]map[string]any, bool) {
	frames := make([]map[string]any, 0, max)
	truncated := false
	callFrames.ForEach(func(_, f gjson.Result) bool {
		if len(frames) >= max {
			truncated = true
			return false
		}
		frames = append(frames, map[string]any{
			"functionName": f.Get("functionName").String(),
			"url":          f.Get("url").String(),
			"lineNumber":   f.Get("lineNumber").Float(),
			"columnNumber": f.Get("columnNumber").Float(),
		})
		return true
	})
	return frames, truncated
}

// endpointKey is method plus the URL with its query stripped.
func endpointKey(method, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		rawURL = u.String()
	}
	return method + " " + rawURL
}

// pruneHeaders bounds the captured response headers to maxResponseHeaders
// keys with values cut at maxHeaderValueLength.
func pruneHeaders(headers gjson.Result) map[string]string {
	if !headers.Exists() {
		return nil
	}
	out := make(map[string]string)
	headers.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = truncate(v.String(), maxHeaderValueLength)
		return len(out) < maxResponseHeaders
	})
	return out
}
