// Package output owns the on-disk session layout: one directory per
// engine run, one host directory per partition, one append-only NDJSON
// writer per (host, stream), and the overview file written at shutdown.
package output

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/shanrichard/browserFairy/internal/record"
)

var errClosed = errors.New("output manager closed")

const (
	sessionDirFmt = "session_2006-01-02_150405"
	overviewFile  = "overview.json"

	openFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
)

// Config configures a manager.
type Config struct {
	Fs      afero.Fs
	Root    string // data root, e.g. ~/BrowserFairyData
	Batched bool   // deferred-flush mode for all writers
	Version string // recorded in the overview
	Logger  logrus.FieldLogger
}

// Manager fans records into per-(host, stream) writers under one session
// directory.
type Manager struct {
	fs         afero.Fs
	logger     logrus.FieldLogger
	sessionDir string
	batched    bool
	version    string
	started    time.Time

	mu      sync.Mutex // held only for map access, never across I/O
	writers map[writerKey]*writer
	notes   []string
	extra   map[string]uint64
	closed  bool
}

type writerKey struct{ host, stream string }

// NewManager creates the session directory and returns the manager.
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	started := time.Now()
	sessionDir := filepath.Join(cfg.Root, started.Format(sessionDirFmt))
	if err := cfg.Fs.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		fs:         cfg.Fs,
		logger:     logger.WithField("component", "output"),
		sessionDir: sessionDir,
		batched:    cfg.Batched,
		version:    cfg.Version,
		started:    started,
		writers:    make(map[writerKey]*writer),
		extra:      make(map[string]uint64),
	}
	return m, nil
}

// SessionDir returns the absolute session directory path.
func (m *Manager) SessionDir() string { return m.sessionDir }

// Write appends one record to the host's stream. The record's hostname
// field decides nothing here; callers pass the partition explicitly and
// the two always agree by construction.
func (m *Manager) Write(host, stream string, rec record.Record) {
	w, err := m.writerFor(host, stream)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{"host": host, "stream": stream}).
			Error("writer unavailable, record dropped")
		return
	}
	w.enqueue(rec)
}

func (m *Manager) writerFor(host, stream string) (*writer, error) {
	key := writerKey{host, stream}
	m.mu.Lock()
	w := m.writers[key]
	closed := m.closed
	m.mu.Unlock()
	if w != nil || closed {
		if closed {
			return nil, errClosed
		}
		return w, nil
	}

	// Writer creation does I/O, so it happens outside the map lock; a
	// racing double-create keeps the first one registered.
	created, err := newWriter(m.fs, filepath.Join(m.sessionDir, host), stream, m.batched,
		m.logger.WithFields(logrus.Fields{"host": host, "stream": stream}))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing := m.writers[key]; existing != nil {
		m.mu.Unlock()
		created.close(time.Now())
		return existing, nil
	}
	m.writers[key] = created
	m.mu.Unlock()
	return created, nil
}

// AddNote records a line for the overview, e.g. a domain that could not
// be enabled.
func (m *Manager) AddNote(note string) {
	m.mu.Lock()
	m.notes = append(m.notes, note)
	m.mu.Unlock()
}

// AddDrops accumulates a named drop counter (rate limiters, subscriber
// queues) for the overview.
func (m *Manager) AddDrops(name string, n uint64) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.extra[name] += n
	m.mu.Unlock()
}

// Close drains and closes every writer within the grace period, then
// writes overview.json. Idempotent; later calls return immediately.
func (m *Manager) Close(grace time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	writers := make(map[writerKey]*writer, len(m.writers))
	for k, w := range m.writers {
		writers[k] = w
	}
	m.mu.Unlock()

	deadline := time.Now().Add(grace)
	for _, w := range writers {
		w.close(deadline)
	}
	return m.writeOverview(writers)
}

type streamStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

func (m *Manager) writeOverview(writers map[writerKey]*writer) error {
	streams := make(map[string]streamStats, len(writers))
	for k, w := range writers {
		streams[k.host+"/"+k.stream] = streamStats{
			Written: atomic.LoadUint64(&w.written),
			Dropped: atomic.LoadUint64(&w.dropped),
		}
	}
	m.mu.Lock()
	notes := append([]string(nil), m.notes...)
	counters := make(map[string]uint64, len(m.extra))
	for k, v := range m.extra {
		counters[k] = v
	}
	m.mu.Unlock()
	sort.Strings(notes)

	overview := map[string]any{
		"sessionId": filepath.Base(m.sessionDir),
		"version":   m.version,
		"startTime": record.Timestamp(m.started),
		"endTime":   record.Timestamp(time.Now()),
		"streams":   streams,
		"counters":  counters,
		"notes":     notes,
	}
	data, err := json.MarshalIndent(overview, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, filepath.Join(m.sessionDir, overviewFile), append(data, '\n'), 0o644)
}
