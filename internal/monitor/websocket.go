package monitor

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

// maxWSPayload bounds how much frame text is kept per record.
const maxWSPayload = 1 << 10

// wsConn is the per-connection state behind the websocket sub-stream:
// connection age and a one-second sliding frame counter that ride every
// frame record.
type wsConn struct {
	url         string
	created     time.Time
	windowStart time.Time
	frames      int
}

func (c *wsConn) countFrame(now time.Time) int {
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.frames = 0
	}
	c.frames++
	return c.frames
}

// onWebSocketEvent handles the Network.webSocket* family on the network
// observer's event loop.
func (n *NetworkObserver) onWebSocketEvent(method string, params gjson.Result) {
	id := params.Get("requestId").String()
	if id == "" {
		return
	}
	host := n.sess.Host()
	now := time.Now()

	switch method {
	case "Network.webSocketCreated":
		conn := &wsConn{url: params.Get("url").String(), created: now, windowStart: now}
		n.conns[id] = conn
		rec := stamp(record.New("websocket_created", host), n.sess)
		rec["requestId"] = id
		rec["url"] = truncate(conn.url, maxRecordURL)
		n.emit.Emit(host, record.StreamNetwork, rec.Seal())

	case "Network.webSocketFrameSent", "Network.webSocketFrameReceived":
		typ := "websocket_frame_sent"
		if method == "Network.webSocketFrameReceived" {
			typ = "websocket_frame_received"
		}
		rec := n.frameRecord(typ, id, now)
		payload := params.Get("response")
		if payload.Get("opcode").Int() == 2 {
			rec["payloadType"] = "binary"
			rec["payloadLength"] = len(payload.Get("payloadData").String())
		} else {
			data := payload.Get("payloadData").String()
			rec["payloadType"] = "text"
			rec["payloadLength"] = len(data)
			rec["payload"] = truncate(data, maxWSPayload)
		}
		n.emit.Emit(host, record.StreamNetwork, rec.Seal())

	case "Network.webSocketFrameError":
		rec := n.frameRecord("websocket_frame_error", id, now)
		rec["errorMessage"] = params.Get("errorMessage").String()
		n.emit.Emit(host, record.StreamNetwork, rec.Seal())

	case "Network.webSocketClosed":
		rec := stamp(record.New("websocket_closed", host), n.sess)
		rec["requestId"] = id
		if conn := n.conns[id]; conn != nil {
			rec["url"] = truncate(conn.url, maxRecordURL)
			rec["connectionAge"] = now.Sub(conn.created).Seconds()
			delete(n.conns, id)
		}
		n.emit.Emit(host, record.StreamNetwork, rec.Seal())
	}
}

func (n *NetworkObserver) frameRecord(typ, id string, now time.Time) record.Record {
	host := n.sess.Host()
	rec := stamp(record.New(typ, host), n.sess)
	rec["requestId"] = id
	if conn := n.conns[id]; conn != nil {
		rec["url"] = truncate(conn.url, maxRecordURL)
		rec["connectionAge"] = now.Sub(conn.created).Seconds()
		rec["framesThisSecond"] = conn.countFrame(now)
	}
	return rec
}
