// Package cdptest provides a scripted stand-in for a browser debug
// endpoint: an httptest server that answers /json/version, speaks the
// devtools message envelope over websocket, and lets tests script call
// results and inject events.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/cdp"
)

// Request is one decoded method call as seen by the server.
type Request struct {
	ID        int64
	Method    string
	SessionID string
	Params    gjson.Result
}

// Handler produces the result or protocol error for one call. Returning
// Pending as the result suppresses the reply entirely.
type Handler func(req Request) (any, *cdp.ProtocolError)

type pending struct{}

// Pending, returned as a handler result, makes the server swallow the
// call without replying. Exercises caller timeouts.
var Pending = &pending{}

// Server is a fake browser endpoint.
type Server struct {
	t    testing.TB
	HTTP *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*serverConn]struct{}
	calls    []Request
}

type serverConn struct {
	ws      *websocket.Conn
	writeCh chan cdp.Message
	done    chan struct{}
	once    sync.Once
}

// NewServer starts a fake endpoint. It shuts down with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.serveVersion)
	mux.HandleFunc("/devtools/browser/stub", s.serveWS)
	s.HTTP = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	s.Handle("Target.getTargets", func(Request) (any, *cdp.ProtocolError) {
		return map[string]any{"targetInfos": []any{}}, nil
	})
	s.Handle("Target.attachToTarget", func(req Request) (any, *cdp.ProtocolError) {
		tid := req.Params.Get("targetId").String()
		return map[string]any{"sessionId": "session-" + tid}, nil
	})
	s.Handle("Performance.getMetrics", func(Request) (any, *cdp.ProtocolError) {
		return DefaultMetrics(50<<20, 80<<20), nil
	})
	return s
}

// Endpoint returns the host:port the client should connect to.
func (s *Server) Endpoint() string {
	return strings.TrimPrefix(s.HTTP.URL, "http://")
}

// WSURL returns the direct websocket URL, bypassing /json/version.
func (s *Server) WSURL() string {
	return "ws://" + s.Endpoint() + "/devtools/browser/stub"
}

// Handle scripts the reply for one method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleResult scripts a fixed result for one method.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(Request) (any, *cdp.ProtocolError) { return result, nil })
}

// Stall makes one method never reply.
func (s *Server) Stall(method string) {
	s.Handle(method, func(Request) (any, *cdp.ProtocolError) { return Pending, nil })
}

// Fail scripts a protocol error for one method.
func (s *Server) Fail(method string, code int64, message string) {
	s.Handle(method, func(Request) (any, *cdp.ProtocolError) {
		return nil, &cdp.ProtocolError{Code: code, Message: message}
	})
}

// Emit broadcasts one event to every live connection.
func (s *Server) Emit(method, sessionID string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.t.Fatalf("cdptest: marshal %s params: %v", method, err)
	}
	msg := cdp.Message{Method: method, SessionID: sessionID, Params: raw}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		select {
		case c.writeCh <- msg:
		case <-c.done:
		}
	}
}

// Calls returns every request received so far, in order.
func (s *Server) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (s *Server) CallCount(method string) int {
	n := 0
	for _, req := range s.Calls() {
		if req.Method == method {
			n++
		}
	}
	return n
}

// DropConnections severs every live connection without a close frame,
// as a crashing browser would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.stop()
	}
}

// Close shuts the endpoint down.
func (s *Server) Close() {
	s.DropConnections()
	s.HTTP.Close()
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "Chrome/126.0.0.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/stub",
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{
		ws:      ws,
		writeCh: make(chan cdp.Message, 256),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.stop()
}

func (s *Server) readLoop(c *serverConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg cdp.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method == "" {
			continue
		}
		req := Request{
			ID:        msg.ID,
			Method:    msg.Method,
			SessionID: msg.SessionID,
			Params:    gjson.ParseBytes(msg.Params),
		}

		s.mu.Lock()
		s.calls = append(s.calls, req)
		h := s.handlers[msg.Method]
		s.mu.Unlock()

		reply := cdp.Message{ID: msg.ID, SessionID: msg.SessionID}
		if h == nil {
			reply.Result = json.RawMessage(`{}`)
		} else {
			result, perr := h(req)
			if result == Pending {
				continue
			}
			if perr != nil {
				reply.Error = perr
			} else {
				raw, err := json.Marshal(result)
				if err != nil {
					s.t.Errorf("cdptest: marshal %s result: %v", msg.Method, err)
					continue
				}
				reply.Result = raw
			}
		}
		select {
		case c.writeCh <- reply:
		case <-c.done:
			return
		}
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case msg := <-c.writeCh:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *serverConn) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// DefaultMetrics builds a Performance.getMetrics result with the given
// JS heap readings and plausible values for the remaining counters.
func DefaultMetrics(heapUsed, heapTotal float64) map[string]any {
	metric := func(name string, value float64) map[string]any {
		return map[string]any{"name": name, "value": value}
	}
	return map[string]any{"metrics": []any{
		metric("Documents", 2),
		metric("Frames", 1),
		metric("JSEventListeners", 42),
		metric("Nodes", 1500),
		metric("LayoutCount", 12),
		metric("RecalcStyleCount", 20),
		metric("LayoutDuration", 0.05),
		metric("RecalcStyleDuration", 0.02),
		metric("ScriptDuration", 0.4),
		metric("JSHeapUsedSize", heapUsed),
		metric("JSHeapTotalSize", heapTotal),
	}}
}
