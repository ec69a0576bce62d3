package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

const (
	consoleEventsPerSecond = 10
	maxConsoleMessage      = 500
	maxExceptionFrames     = 5

	// sourceMapBudget bounds each frame resolution so a slow map fetch
	// cannot stall the console event loop.
	sourceMapBudget = 200 * time.Millisecond
)

// ConsoleObserver turns console API calls and uncaught exceptions into
// console and exception records, with stack frames source-map-resolved
// when a resolver is available.
type ConsoleObserver struct {
	sess     Session
	emit     Emitter
	logger   logrus.FieldLogger
	limiter  *EventLimiter
	resolver SourceMapResolver

	// onMessage feeds message text to interested siblings (the GC
	// tracker listens for collector hints).
	onMessage func(host, level, text string)
}

// ConsoleOption tweaks an observer before it runs.
type ConsoleOption func(*ConsoleObserver)

// WithSourceMaps resolves exception frames through r.
func WithSourceMaps(r SourceMapResolver) ConsoleOption {
	return func(c *ConsoleObserver) { c.resolver = r }
}

// WithMessageHook registers fn to see every message that passes the rate
// limiter.
func WithMessageHook(fn func(host, level, text string)) ConsoleOption {
	return func(c *ConsoleObserver) { c.onMessage = fn }
}

func NewConsoleObserver(sess Session, emit Emitter, logger logrus.FieldLogger, opts ...ConsoleOption) *ConsoleObserver {
	c := &ConsoleObserver{
		sess:    sess,
		emit:    emit,
		logger:  logger.WithField("collector", "console"),
		limiter: NewEventLimiter(consoleEventsPerSecond),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dropped returns how many console events the rate limiter rejected.
func (c *ConsoleObserver) Dropped() uint64 { return c.limiter.Dropped() }

// Run consumes console events until ctx ends.
func (c *ConsoleObserver) Run(ctx context.Context) {
	sub := c.sess.Subscribe("Runtime.consoleAPICalled", "Runtime.exceptionThrown")
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !c.limiter.Allow() {
				continue
			}
			params := gjson.ParseBytes(ev.Params)
			if ev.Method == "Runtime.consoleAPICalled" {
				c.onConsole(params)
			} else {
				c.onException(ctx, params)
			}
		}
	}
}

func (c *ConsoleObserver) onConsole(params gjson.Result) {
	host := c.sess.Host()
	level := params.Get("type").String()
	message := renderArgs(params.Get("args"))

	rec := stamp(record.New("console", host), c.sess)
	rec["level"] = level
	rec["message"] = truncate(message, maxConsoleMessage)
	if top := params.Get("stackTrace.callFrames.0"); top.Exists() {
		rec["source"] = map[string]any{
			"url":    top.Get("url").String(),
			"line":   top.Get("lineNumber").Float(),
			"column": top.Get("columnNumber").Float(),
		}
	}
	c.emit.Emit(host, record.StreamConsole, rec.Seal())
	if c.onMessage != nil {
		c.onMessage(host, level, message)
	}
}

func (c *ConsoleObserver) onException(ctx context.Context, params gjson.Result) {
	host := c.sess.Host()
	details := params.Get("exceptionDetails")
	message := details.Get("exception.description").String()
	if message == "" {
		message = details.Get("text").String()
	}

	rec := stamp(record.New("exception", host), c.sess)
	rec["message"] = truncate(message, maxConsoleMessage)
	rec["source"] = map[string]any{
		"url":    details.Get("url").String(),
		"line":   details.Get("lineNumber").Float(),
		"column": details.Get("columnNumber").Float(),
	}
	frames, _ := collectFrames(details.Get("stackTrace.callFrames"), maxExceptionFrames)
	for _, frame := range frames {
		c.resolveFrame(ctx, frame)
	}
	rec["frames"] = frames
	c.emit.Emit(host, record.StreamConsole, rec.Seal())
	if c.onMessage != nil {
		c.onMessage(host, "exception", message)
	}
}

// resolveFrame attaches the original position when the resolver knows the
// frame's script; failures leave the frame unchanged.
func (c *ConsoleObserver) resolveFrame(ctx context.Context, frame map[string]any) {
	if c.resolver == nil {
		return
	}
	url, _ := frame["url"].(string)
	if url == "" {
		return
	}
	line, _ := frame["lineNumber"].(float64)
	column, _ := frame["columnNumber"].(float64)

	rctx, cancel := context.WithTimeout(ctx, sourceMapBudget)
	defer cancel()
	orig, ok := c.resolver.Resolve(rctx, url, int(line), int(column))
	if !ok {
		return
	}
	frame["original"] = map[string]any{
		"file":   orig.File,
		"line":   orig.Line,
		"column": orig.Column,
		"name":   orig.Name,
	}
}

// renderArgs flattens console call arguments into one message string the
// way the browser console would show them.
func renderArgs(args gjson.Result) string {
	var parts []string
	args.ForEach(func(_, a gjson.Result) bool {
		switch {
		case a.Get("value").Exists():
			parts = append(parts, a.Get("value").String())
		case a.Get("description").String() != "":
			parts = append(parts, a.Get("description").String())
		default:
			parts = append(parts, a.Get("type").String())
		}
		return true
	})
	return strings.Join(parts, " ")
}
