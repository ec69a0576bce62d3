// Package log carries the logging sinks the CLI can attach beyond
// stderr: an asynchronous logrus hook appending to a local file.
package log

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// fileHookBufferSize is the queue between Fire and the flush goroutine.
const fileHookBufferSize = 100

// AsyncHook is a logrus hook whose writes happen on a goroutine the
// caller runs via Listen; Fire only enqueues.
type AsyncHook interface {
	logrus.Hook
	Listen(ctx context.Context)
}

// fileHook appends formatted log entries to one local file.
type fileHook struct {
	fs             afero.Fs
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
}

// FileHookFromConfigLine builds the hook for a `--log-output` value of
// the form `file=path[,level=warning]`.
func FileHookFromConfigLine(afs afero.Fs, fallbackLogger logrus.FieldLogger, line string) (AsyncHook, error) {
	hook := &fileHook{
		fs:             afs,
		fallbackLogger: fallbackLogger,
		levels:         logrus.AllLevels,
		loglines:       make(chan []byte, fileHookBufferSize),
	}
	if err := hook.parseLine(line); err != nil {
		return nil, err
	}
	if err := hook.openFile(); err != nil {
		return nil, err
	}
	return hook, nil
}

func (h *fileHook) parseLine(line string) error {
	for _, token := range strings.Split(line, ",") {
		key, value, _ := strings.Cut(token, "=")
		switch key {
		case "file":
			if value == "" {
				return errors.New("logfile path must not be empty")
			}
			h.path = value
		case "level":
			levels, err := parseLevels(value)
			if err != nil {
				return err
			}
			h.levels = levels
		default:
			return fmt.Errorf("unknown logfile config key %s", key)
		}
	}
	if h.path == "" {
		return fmt.Errorf("logfile configuration should be in the form `file=path-to-local-file` but is `%s`", line)
	}
	return nil
}

func (h *fileHook) openFile() error {
	path := h.path
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("'%s' is a relative path but could not determine CWD: %w", path, err)
		}
		path = filepath.Join(cwd, path)
	}
	if _, err := h.fs.Stat(filepath.Dir(path)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(path))
	}
	file, err := h.fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open logfile %s: %w", path, err)
	}
	h.w = file
	h.bw = bufio.NewWriter(file)
	return nil
}

// Listen flushes queued log lines until ctx ends, then drains whatever
// is still buffered and closes the file.
func (h *fileHook) Listen(ctx context.Context) {
	write := func(entry []byte) {
		if _, err := h.bw.Write(entry); err != nil {
			h.fallbackLogger.WithError(err).Error("failed to write a log message to the logfile")
		}
	}
	for {
		select {
		case entry := <-h.loglines:
			write(entry)
		case <-ctx.Done():
		drainloop:
			for {
				select {
				case entry := <-h.loglines:
					write(entry)
				default:
					break drainloop
				}
			}
			if err := h.bw.Flush(); err != nil {
				h.fallbackLogger.WithError(err).Error("failed to flush the logfile buffer")
			}
			if err := h.w.Close(); err != nil {
				h.fallbackLogger.WithError(err).Error("failed to close the logfile")
			}
			return
		}
	}
}

// Fire enqueues one formatted entry.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	message, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("failed to get log entry bytes: %w", err)
	}
	h.loglines <- message
	return nil
}

// Levels returns the configured log levels.
func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}
