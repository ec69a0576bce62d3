package monitor

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// deepAnalysisBudget bounds the deep source-attribution walk. The
// lightweight summary is emitted regardless of whether the deep pass
// finished.
const deepAnalysisBudget = 500 * time.Millisecond

// scanSelectors is the candidate element set the deep analysis walks.
// The selector policy is internal; the ≥10/≥3 suspicion thresholds on
// the output are what callers rely on.
var scanSelectors = []string{
	"body", "[role=button]", "button", "a[href]", "input", "select",
	"textarea", ".modal", ".dialog", ".popup", ".chart-container",
	".visualization",
}

const (
	maxNodesPerSelector   = 100
	suspicionHighElements = 10
	suspicionMedElements  = 3
	maxTrackedScripts     = 2048
)

// listenerAnalyzer attributes event-listener growth to the functions the
// listeners are bound to. The cheap per-sample summary counts listeners
// by host object and event kind; the expensive source walk runs off the
// sample path, self-limited to deepAnalysisBudget, and its result rides
// the next memory record.
type listenerAnalyzer struct {
	sess   Session
	logger logrus.FieldLogger

	scriptsMu sync.Mutex
	scripts   map[string]string // scriptId → url

	mu       sync.Mutex
	inFlight bool
	pending  []map[string]any // completed deep result awaiting pickup
}

func newListenerAnalyzer(sess Session, logger logrus.FieldLogger) *listenerAnalyzer {
	return &listenerAnalyzer{
		sess:    sess,
		logger:  logger.WithField("analyzer", "listeners"),
		scripts: make(map[string]string),
	}
}

// trackScripts follows Debugger.scriptParsed so listener scriptIds can be
// resolved to URLs later. Returns a channel closed when tracking stops.
func (a *listenerAnalyzer) trackScripts(ctx context.Context) <-chan struct{} {
	sub := a.sess.Subscribe("Debugger.scriptParsed")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				id := gjson.GetBytes(ev.Params, "scriptId").String()
				url := gjson.GetBytes(ev.Params, "url").String()
				if id == "" || url == "" {
					continue
				}
				a.scriptsMu.Lock()
				if len(a.scripts) < maxTrackedScripts {
					a.scripts[id] = url
				}
				a.scriptsMu.Unlock()
			}
		}
	}()
	return done
}

func (a *listenerAnalyzer) scriptURL(id string) string {
	a.scriptsMu.Lock()
	defer a.scriptsMu.Unlock()
	return a.scripts[id]
}

// analysis returns the eventListenersAnalysis payload for the current
// sample: the lightweight distribution, any completed deep result, and
// the growth delta that may trigger the next deep pass.
func (a *listenerAnalyzer) analysis(ctx context.Context, growth, metricTotal float64) map[string]any {
	out := map[string]any{
		"growthDelta": growth,
		"summary":     a.summary(ctx, metricTotal),
	}

	a.mu.Lock()
	if a.pending != nil {
		out["detailedSources"] = a.pending
		a.pending = nil
	}
	shouldTrigger := growth > listenerGrowthThreshold && !a.inFlight
	if shouldTrigger {
		a.inFlight = true
	}
	a.mu.Unlock()

	if shouldTrigger {
		out["analysisTriggered"] = true
		go a.deepAnalyze(ctx)
	}
	return out
}

// summary counts listeners on document and window by event type, and
// estimates the element share as the JSEventListeners metric minus those
// two. Per-element attribution comes from the deep pass; keeping the hot
// path to two bounded round trips keeps sampling cheap.
func (a *listenerAnalyzer) summary(ctx context.Context, metricTotal float64) map[string]any {
	byTarget := map[string]any{}
	byType := map[string]float64{}
	docWin := 0.0
	for _, expr := range []string{"document", "window"} {
		n, ok := a.countListeners(ctx, expr, byType)
		if !ok {
			continue
		}
		byTarget[expr] = n
		docWin += n
	}
	elements := metricTotal - docWin
	if elements < 0 {
		elements = 0
	}
	byTarget["elements"] = elements
	return map[string]any{"total": docWin + elements, "byTarget": byTarget, "byType": byType}
}

func (a *listenerAnalyzer) countListeners(ctx context.Context, expr string, byType map[string]float64) (float64, bool) {
	objectID, ok := a.evaluateObject(ctx, expr, "")
	if !ok {
		return 0, false
	}
	res, err := a.sess.Call(ctx, "DOMDebugger.getEventListeners", map[string]any{
		"objectId": objectID,
	})
	if err != nil {
		return 0, false
	}
	n := 0.0
	gjson.GetBytes(res, "listeners").ForEach(func(_, l gjson.Result) bool {
		n++
		byType[l.Get("type").String()]++
		return true
	})
	return n, true
}

// deepAnalyze walks the candidate element set and aggregates listeners by
// the function they are bound to. Runs off the sample path with its own
// deadline; whatever was aggregated when the deadline hits is kept.
func (a *listenerAnalyzer) deepAnalyze(parent context.Context) {
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(parent, deepAnalysisBudget)
	defer cancel()
	started := time.Now()

	type fnEntry struct {
		scriptURL  string
		line       float64
		column     float64
		name       string
		elements   int
		eventTypes map[string]struct{}
	}
	byFunction := make(map[string]*fnEntry)

scan:
	for _, selector := range scanSelectors {
		if ctx.Err() != nil || a.sess.Closing() {
			break
		}
		for _, objectID := range a.queryElements(ctx, selector) {
			if ctx.Err() != nil {
				break scan
			}
			res, err := a.sess.Call(ctx, "DOMDebugger.getEventListeners", map[string]any{
				"objectId": objectID,
			})
			if err != nil {
				continue
			}
			seen := make(map[string]struct{})
			gjson.GetBytes(res, "listeners").ForEach(func(_, l gjson.Result) bool {
				url := a.scriptURL(l.Get("scriptId").String())
				key := fmt.Sprintf("%s:%d:%d", url, l.Get("lineNumber").Int(), l.Get("columnNumber").Int())
				e := byFunction[key]
				if e == nil {
					e = &fnEntry{
						scriptURL:  url,
						line:       l.Get("lineNumber").Float(),
						column:     l.Get("columnNumber").Float(),
						name:       functionName(l.Get("handler.description").String()),
						eventTypes: make(map[string]struct{}),
					}
					byFunction[key] = e
				}
				e.eventTypes[l.Get("type").String()] = struct{}{}
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					e.elements++
				}
				return true
			})
		}
	}
	_, _ = a.sess.Call(ctx, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": "listener-scan"})

	sources := make([]map[string]any, 0, len(byFunction))
	for _, e := range byFunction {
		if e.elements < suspicionMedElements {
			continue
		}
		suspicion := "medium"
		if e.elements >= suspicionHighElements {
			suspicion = "high"
		}
		types := make([]string, 0, len(e.eventTypes))
		for t := range e.eventTypes {
			types = append(types, t)
		}
		sources = append(sources, map[string]any{
			"scriptUrl":    e.scriptURL,
			"line":         e.line,
			"column":       e.column,
			"functionName": e.name,
			"elementCount": e.elements,
			"eventTypes":   types,
			"suspicion":    suspicion,
		})
	}

	a.mu.Lock()
	a.pending = sources
	a.mu.Unlock()
	a.logger.WithFields(logrus.Fields{
		"functions": len(sources),
		"took":      time.Since(started),
		"aborted":   ctx.Err() != nil,
	}).Debug("deep listener analysis done")
}

// queryElements resolves one selector to at most maxNodesPerSelector
// element object ids.
func (a *listenerAnalyzer) queryElements(ctx context.Context, selector string) []string {
	expr := fmt.Sprintf("Array.prototype.slice.call(document.querySelectorAll(%q), 0, %d)", selector, maxNodesPerSelector)
	arrayID, ok := a.evaluateObject(ctx, expr, "listener-scan")
	if !ok {
		return nil
	}
	res, err := a.sess.Call(ctx, "Runtime.getProperties", map[string]any{
		"objectId":      arrayID,
		"ownProperties": true,
	})
	if err != nil {
		return nil
	}
	var ids []string
	gjson.GetBytes(res, "result").ForEach(func(_, p gjson.Result) bool {
		if !indexedProp.MatchString(p.Get("name").String()) {
			return true
		}
		if id := p.Get("value.objectId").String(); id != "" {
			ids = append(ids, id)
		}
		return len(ids) < maxNodesPerSelector
	})
	return ids
}

var indexedProp = regexp.MustCompile(`^\d+$`)

func (a *listenerAnalyzer) evaluateObject(ctx context.Context, expression, group string) (string, bool) {
	params := map[string]any{"expression": expression}
	if group != "" {
		params["objectGroup"] = group
	}
	res, err := a.sess.Call(ctx, "Runtime.evaluate", params)
	if err != nil {
		return "", false
	}
	id := gjson.GetBytes(res, "result.objectId").String()
	return id, id != ""
}

var fnNameRe = regexp.MustCompile(`^(?:async\s+)?function\*?\s+([A-Za-z_$][\w$]*)`)

// functionName pulls the declared name out of a handler's description
// ("function onClick(ev) { ... }"); arrows and anonymous functions map to
// "anonymous".
func functionName(description string) string {
	if m := fnNameRe.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	return "anonymous"
}
