package output

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/shanrichard/browserFairy/internal/record"
)

// Writer tuning. Rotation and shutdown always force a full sync; the
// batched flush mode only defers syncs between records.
const (
	queueDepth      = 1024
	rotateBytes     = 50 << 20
	rotateAge       = 24 * time.Hour
	batchFlushEvery = 200 * time.Millisecond
	rotateSuffixFmt = "20060102T150405Z"
)

// writer owns one append-only stream file under one host directory. A
// single consumer goroutine appends; producers only enqueue. A full
// queue drops the oldest record so recency survives overload.
type writer struct {
	fs      afero.Fs
	dir     string // <sessionDir>/<host>
	stream  string
	logger  logrus.FieldLogger
	batched bool

	mu     sync.Mutex // serializes the enqueue drop-oldest dance
	queue  chan record.Record
	closed bool

	written uint64
	dropped uint64

	done chan struct{}

	// Consumer-goroutine state.
	file     afero.File
	size     int64
	openedAt time.Time
	unsynced bool
}

func newWriter(fs afero.Fs, dir, stream string, batched bool, logger logrus.FieldLogger) (*writer, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &writer{
		fs:      fs,
		dir:     dir,
		stream:  stream,
		logger:  logger,
		batched: batched,
		queue:   make(chan record.Record, queueDepth),
		done:    make(chan struct{}),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *writer) path() string {
	return filepath.Join(w.dir, w.stream+".jsonl")
}

func (w *writer) open() error {
	f, err := w.fs.OpenFile(w.path(), openFlags, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	w.openedAt = time.Now()
	return nil
}

// enqueue submits one record, dropping the oldest queued record when the
// queue is full. Returns false when the record itself had to be dropped
// (writer closed, or the queue refilled under contention).
func (w *writer) enqueue(rec record.Record) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		atomic.AddUint64(&w.dropped, 1)
		return false
	}
	select {
	case w.queue <- rec:
		return true
	default:
	}
	select {
	case <-w.queue: // full: sacrifice the oldest, keep the newest
		atomic.AddUint64(&w.dropped, 1)
	default:
	}
	select {
	case w.queue <- rec:
		return true
	default:
		atomic.AddUint64(&w.dropped, 1)
		return false
	}
}

// close stops intake, lets the consumer drain what is queued, and waits
// for the final sync, bounded by the deadline.
func (w *writer) close(deadline time.Time) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.logger.Warn("writer close deadline hit, remaining queue dropped")
	}
}

func (w *writer) run() {
	defer close(w.done)

	var flushTick <-chan time.Time
	if w.batched {
		ticker := time.NewTicker(batchFlushEvery)
		defer ticker.Stop()
		flushTick = ticker.C
	}

	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				w.finish()
				return
			}
			w.append(rec)
		case <-flushTick:
			w.sync()
		}
	}
}

func (w *writer) append(rec record.Record) {
	if w.size >= rotateBytes || time.Since(w.openedAt) >= rotateAge {
		w.rotate()
	}
	line, err := marshalLine(rec)
	if err != nil {
		w.logger.WithError(err).Warn("record not serializable, skipped")
		return
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		w.logger.WithError(err).Error("append failed")
		return
	}
	atomic.AddUint64(&w.written, 1)
	if w.batched {
		w.unsynced = true
	} else {
		w.sync()
	}
}

func (w *writer) sync() {
	if err := w.file.Sync(); err != nil {
		w.logger.WithError(err).Debug("sync failed")
	}
	w.unsynced = false
}

// rotate seals the current file under a timestamped name and opens a
// fresh one. Queued records are untouched: they land in the new file.
func (w *writer) rotate() {
	w.sync()
	if err := w.file.Close(); err != nil {
		w.logger.WithError(err).Warn("close before rotate failed")
	}
	rotated := filepath.Join(w.dir, w.stream+"-"+time.Now().UTC().Format(rotateSuffixFmt)+".jsonl")
	if err := w.fs.Rename(w.path(), rotated); err != nil {
		w.logger.WithError(err).Error("rotate rename failed")
	}
	if err := w.open(); err != nil {
		w.logger.WithError(err).Error("reopen after rotate failed")
		return
	}
	w.logger.WithField("rotated", filepath.Base(rotated)).Debug("stream rotated")
}

func (w *writer) finish() {
	w.sync()
	if err := w.file.Close(); err != nil {
		w.logger.WithError(err).Debug("close failed")
	}
}

// marshalLine renders one NDJSON line with HTML escaping off, matching
// what readers of the stream files expect.
func marshalLine(rec record.Record) ([]byte, error) {
	buf := &jsonBuffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.data, nil // Encode terminates the line with \n
}

type jsonBuffer struct{ data []byte }

func (b *jsonBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
