package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Session is an attached channel to one target. Calls and subscriptions
// made through it are tagged with the browser-assigned session id, so the
// peer routes them to that target.
type Session struct {
	client   *Client
	id       string
	targetID string

	closeOnce sync.Once
	closed    chan struct{}
}

// AttachToTarget attaches to the target in flat session mode and returns
// the handle traffic for it is routed through. A target that vanished
// before the attach completed surfaces as ErrTargetGone.
func (c *Client) AttachToTarget(ctx context.Context, targetID string) (*Session, error) {
	res, err := c.Call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && strings.Contains(perr.Message, "No target with given id") {
			return nil, fmt.Errorf("attach %s: %w", targetID, ErrTargetGone)
		}
		return nil, err
	}
	sid := gjson.GetBytes(res, "sessionId").String()
	if sid == "" {
		return nil, fmt.Errorf("attach %s: reply carries no session id", targetID)
	}
	return &Session{
		client:   c,
		id:       sid,
		targetID: targetID,
		closed:   make(chan struct{}),
	}, nil
}

// ID returns the browser-assigned session id.
func (s *Session) ID() string { return s.id }

// TargetID returns the target this session is attached to.
func (s *Session) TargetID() string { return s.targetID }

// Call invokes a method routed to this session's target. After Close it
// returns ErrDisconnected immediately.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-s.closed:
		return nil, fmt.Errorf("%s: session closed: %w", method, ErrDisconnected)
	default:
	}
	return s.client.call(ctx, s.id, method, params, s.closed)
}

// Subscribe registers for the named events as tagged for this session.
func (s *Session) Subscribe(events ...string) *Subscription {
	return s.client.Subscribe(s.id, events...)
}

// Closing reports whether Close has begun. Collectors use it to skip
// best-effort round trips during teardown.
func (s *Session) Closing() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close cancels the session's outstanding calls and detaches from the
// target, best effort. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		select {
		case <-s.client.done:
			return // connection already gone, nothing to detach from
		default:
		}
		_, err := s.client.Call(ctx, "Target.detachFromTarget", map[string]any{"sessionId": s.id})
		if err != nil && !errors.Is(err, ErrDisconnected) {
			s.client.logger.WithError(err).WithField("targetID", s.targetID).Debug("detach failed")
		}
	})
}
