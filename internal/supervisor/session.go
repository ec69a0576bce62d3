// Package supervisor owns the set of monitored sessions: per-target
// attach, domain enables, collector composition, the global session cap
// with LRU eviction, and orderly teardown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/monitor"
)

// domainEnables is the handshake run on every new session, in order.
// Only the critical domains fail the session; the rest degrade the
// collector set and leave a note in the overview.
var domainEnables = []struct {
	method   string
	critical bool
}{
	{"Performance.enable", true},
	{"Runtime.enable", true},
	{"Network.enable", false},
	{"Log.enable", false},
	{"Page.enable", false},
	{"DOMStorage.enable", false},
	{"HeapProfiler.enable", false},
	{"Debugger.enable", false},
}

// Recorder receives overview bookkeeping: notes about degraded sessions
// and named drop counters. Implemented by output.Manager.
type Recorder interface {
	AddNote(note string)
	AddDrops(name string, n uint64)
}

// Session is one monitored target: the attached protocol channel plus
// the collectors running on it. It implements monitor.Session.
type Session struct {
	cdpSess *cdp.Session
	logger  logrus.FieldLogger

	mu   sync.Mutex
	host string
	url  string

	lastSampled atomic.Int64 // unix nanos of the latest memory sample

	cancel  context.CancelFunc
	stopped chan struct{}

	network *monitor.NetworkObserver
	console *monitor.ConsoleObserver
}

// sessionDeps is everything a session shares with its siblings.
type sessionDeps struct {
	emit     monitor.Emitter
	sem      *semaphore.Weighted
	recorder Recorder
	resolver monitor.SourceMapResolver
	maxValue int
	interval time.Duration
	logger   logrus.FieldLogger
}

// newSession attaches, enables domains, and starts the collectors. A
// target that vanished during attach surfaces as cdp.ErrTargetGone; a
// critical domain that cannot be enabled fails the session.
func newSession(ctx context.Context, client *cdp.Client, targetID, url, host string, deps sessionDeps) (*Session, error) {
	cdpSess, err := client.AttachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	logger := deps.logger.WithFields(logrus.Fields{"targetID": targetID, "host": host})

	s := &Session{
		cdpSess: cdpSess,
		logger:  logger,
		host:    host,
		url:     url,
		stopped: make(chan struct{}),
	}
	s.lastSampled.Store(time.Now().UnixNano())

	for _, enable := range domainEnables {
		if _, err := cdpSess.Call(ctx, enable.method, nil); err != nil {
			if enable.critical {
				cdpSess.Close(ctx)
				return nil, fmt.Errorf("enable %s: %w", enable.method, err)
			}
			logger.WithError(err).WithField("method", enable.method).Debug("domain unavailable")
			if deps.recorder != nil {
				deps.recorder.AddNote(fmt.Sprintf("%s: %s unavailable", host, enable.method))
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.start(runCtx, deps)
	return s, nil
}

// start composes and launches the collector set. Each collector runs on
// its own goroutine; a failing collector never stops its siblings.
func (s *Session) start(ctx context.Context, deps sessionDeps) {
	gc := monitor.NewGCTracker(s, deps.emit, s.logger)
	memoryOpts := []monitor.MemoryOption{
		monitor.WithSampledHook(func() { s.lastSampled.Store(time.Now().UnixNano()) }),
		monitor.WithHeapHook(gc.ObserveHeap),
	}
	if deps.interval > 0 {
		memoryOpts = append(memoryOpts, monitor.WithSampleInterval(deps.interval))
	}
	memory := monitor.NewMemorySampler(s, deps.emit, deps.sem, s.logger, memoryOpts...)
	s.network = monitor.NewNetworkObserver(s, deps.emit, s.logger)
	consoleOpts := []monitor.ConsoleOption{
		monitor.WithMessageHook(func(host, _, text string) { gc.ObserveMessage(host, text) }),
	}
	if deps.resolver != nil {
		consoleOpts = append(consoleOpts, monitor.WithSourceMaps(deps.resolver))
	}
	s.console = monitor.NewConsoleObserver(s, deps.emit, s.logger, consoleOpts...)
	longtask := monitor.NewLongtaskObserver(s, deps.emit, s.logger)
	heap := monitor.NewHeapSampler(s, deps.emit, s.logger)
	storage := monitor.NewStorageObserver(s, deps.emit, s.logger)
	domStorage := monitor.NewDOMStorageObserver(s, deps.emit, s.logger,
		monitor.WithMaxValueLength(deps.maxValue))

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(memory.Run)
	run(s.network.Run)
	run(s.console.Run)
	run(longtask.Run)
	run(heap.Run)
	run(storage.Run)
	run(domStorage.Run)
	if deps.resolver != nil {
		run(func(ctx context.Context) { s.feedScriptMaps(ctx, deps.resolver) })
	}

	go func() {
		wg.Wait()
		close(s.stopped)
	}()
}

// feedScriptMaps forwards sourceMapURL announcements to the resolver so
// later frame resolutions can find their maps.
func (s *Session) feedScriptMaps(ctx context.Context, resolver monitor.SourceMapResolver) {
	observer, ok := resolver.(interface{ ObserveScript(scriptURL, sourceMapURL string) })
	if !ok {
		return
	}
	sub := s.Subscribe("Debugger.scriptParsed")
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			observer.ObserveScript(
				gjson.GetBytes(ev.Params, "url").String(),
				gjson.GetBytes(ev.Params, "sourceMapURL").String(),
			)
		}
	}
}

// monitor.Session implementation.

func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.cdpSess.Call(ctx, method, params)
}

func (s *Session) Subscribe(events ...string) *cdp.Subscription {
	return s.cdpSess.Subscribe(events...)
}

func (s *Session) Closing() bool    { return s.cdpSess.Closing() }
func (s *Session) TargetID() string { return s.cdpSess.TargetID() }
func (s *Session) ID() string       { return s.cdpSess.ID() }

func (s *Session) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// setLocation retags the session after a navigation: the session object
// survives, subsequent records carry the new host.
func (s *Session) setLocation(url, host string) {
	s.mu.Lock()
	s.url = url
	s.host = host
	s.mu.Unlock()
}

// close stops the collectors, reports their drop counters, and detaches.
func (s *Session) close(ctx context.Context, recorder Recorder) {
	s.cancel()
	select {
	case <-s.stopped:
	case <-ctx.Done():
		s.logger.Warn("collectors still draining at close deadline")
	}
	if recorder != nil {
		host := s.Host()
		recorder.AddDrops("rate_limited/"+host+"/network", s.network.Dropped())
		recorder.AddDrops("rate_limited/"+host+"/console", s.console.Dropped())
	}
	s.cdpSess.Close(ctx)
}
