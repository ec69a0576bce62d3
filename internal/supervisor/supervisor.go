package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/monitor"
	"github.com/shanrichard/browserFairy/internal/registry"
)

const (
	// DefaultMaxSessions caps concurrently attached targets.
	DefaultMaxSessions = 50
	// DefaultSamplePermits bounds memory samples in flight process-wide.
	DefaultSamplePermits = 8
	// closeGrace bounds how long one session teardown may take.
	closeGrace = 5 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	Client   *cdp.Client
	Emit     monitor.Emitter
	Recorder Recorder
	Resolver monitor.SourceMapResolver

	MaxSessions    int           // 0 → DefaultMaxSessions
	SamplePermits  int           // 0 → DefaultSamplePermits
	MaxValueLength int           // DOM-storage value cap, 0 → collector default
	SampleInterval time.Duration // 0 → monitor.DefaultSampleInterval; tests lower it

	Logger logrus.FieldLogger
}

// Supervisor owns the target→session map. Registry callbacks drive it;
// it creates and destroys sessions, enforcing the cap with
// least-recently-sampled eviction.
type Supervisor struct {
	cfg    Config
	logger logrus.FieldLogger
	deps   sessionDeps
	ctx    context.Context

	mu       sync.Mutex // map and lock bookkeeping only, never held across I/O
	sessions map[string]*Session
	locks    map[string]*targetLock // serializes create/destroy per target
	closed   bool

	wg sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SamplePermits <= 0 {
		cfg.SamplePermits = DefaultSamplePermits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "supervisor")
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		deps: sessionDeps{
			emit:     cfg.Emit,
			sem:      semaphore.NewWeighted(int64(cfg.SamplePermits)),
			recorder: cfg.Recorder,
			resolver: cfg.Resolver,
			maxValue: cfg.MaxValueLength,
			interval: cfg.SampleInterval,
			logger:   logger,
		},
		sessions: make(map[string]*Session),
		locks:    make(map[string]*targetLock),
	}
}

// Start binds the supervisor to its run context. Sessions created later
// attach under this context.
func (s *Supervisor) Start(ctx context.Context) { s.ctx = ctx }

// Hooks returns the registry callbacks wired to this supervisor.
func (s *Supervisor) Hooks() registry.Hooks {
	return registry.Hooks{
		OnAppear:    s.onAppear,
		OnNavigate:  s.onNavigate,
		OnDisappear: s.onDisappear,
	}
}

// ActiveSessions returns the current session count.
func (s *Supervisor) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Supervisor) onAppear(t registry.TargetInfo) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ensure(t)
	}()
}

func (s *Supervisor) onNavigate(t registry.TargetInfo, oldHost, newHost string) {
	s.mu.Lock()
	sess := s.sessions[t.ID]
	s.mu.Unlock()
	if sess == nil {
		// Navigated before we ever attached; treat as a fresh target.
		s.onAppear(t)
		return
	}
	sess.setLocation(t.URL, newHost)
	s.logger.WithFields(logrus.Fields{"targetID": t.ID, "from": oldHost, "to": newHost}).
		Debug("session retagged")
}

func (s *Supervisor) onDisappear(targetID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.destroy(targetID)
	}()
}

// ensure attaches a session for the target unless one exists. Runs under
// the per-target lock so attach never races close for the same target.
func (s *Supervisor) ensure(t registry.TargetInfo) {
	lock := s.lockTarget(t.ID)
	defer s.unlockTarget(t.ID, lock)

	s.mu.Lock()
	if s.closed || s.sessions[t.ID] != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, cdp.DefaultCallTimeout)
	defer cancel()
	sess, err := newSession(ctx, s.cfg.Client, t.ID, t.URL, t.Host, s.deps)
	if err != nil {
		if errors.Is(err, cdp.ErrTargetGone) {
			return // raced the target's close; nothing to do
		}
		if !errors.Is(err, cdp.ErrDisconnected) {
			s.logger.WithError(err).WithField("targetID", t.ID).Warn("session attach failed")
		}
		return
	}

	var victim *Session
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.closeSession(sess)
		return
	}
	s.sessions[t.ID] = sess
	if len(s.sessions) > s.cfg.MaxSessions {
		victim = s.evictLocked(t.ID)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"targetID": t.ID, "host": t.Host, "sessions": s.ActiveSessions()}).
		Debug("session attached")
	if victim != nil {
		s.logger.WithField("targetID", victim.TargetID()).Debug("evicting least-recently-sampled session")
		s.closeSession(victim)
	}
}

// evictLocked removes the least-recently-sampled session other than the
// one just added. Caller holds mu and closes the returned session.
func (s *Supervisor) evictLocked(keep string) *Session {
	var victim *Session
	for id, sess := range s.sessions {
		if id == keep {
			continue
		}
		if victim == nil || sess.lastSampled.Load() < victim.lastSampled.Load() {
			victim = sess
		}
	}
	if victim != nil {
		delete(s.sessions, victim.TargetID())
	}
	return victim
}

func (s *Supervisor) destroy(targetID string) {
	lock := s.lockTarget(targetID)
	defer s.unlockTarget(targetID, lock)

	s.mu.Lock()
	sess := s.sessions[targetID]
	delete(s.sessions, targetID)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	s.closeSession(sess)
	s.logger.WithField("targetID", targetID).Debug("session destroyed")
}

// targetLock is a refcounted mutex: the map entry lives exactly as long
// as some goroutine holds or waits on it, so a racing appear/destroy pair
// always serializes on the same mutex.
type targetLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Supervisor) lockTarget(targetID string) *targetLock {
	s.mu.Lock()
	lock := s.locks[targetID]
	if lock == nil {
		lock = &targetLock{}
		s.locks[targetID] = lock
	}
	lock.refs++
	s.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (s *Supervisor) unlockTarget(targetID string, lock *targetLock) {
	lock.mu.Unlock()
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, targetID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) closeSession(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	sess.close(ctx, s.cfg.Recorder)
}

// Close tears every session down and waits for in-flight create/destroy
// work, bounded by ctx.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.close(ctx, s.cfg.Recorder)
		}(sess)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace exceeded, sessions abandoned")
	}
}
