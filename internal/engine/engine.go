// Package engine is the composition root of the monitoring core: it
// connects the protocol client, target registry, supervisor, correlator,
// and per-host writers, runs until it is told to stop, and shuts the
// stack down in order within a bounded grace period.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/correlate"
	"github.com/shanrichard/browserFairy/internal/monitor"
	"github.com/shanrichard/browserFairy/internal/output"
	"github.com/shanrichard/browserFairy/internal/record"
	"github.com/shanrichard/browserFairy/internal/registry"
	"github.com/shanrichard/browserFairy/internal/sourcemap"
	"github.com/shanrichard/browserFairy/internal/supervisor"
)

// Version is stamped into every session overview.
const Version = "0.1.0"

// ShutdownGrace bounds orderly shutdown; whatever has not drained by
// then is dropped with its counters recorded.
const ShutdownGrace = 10 * time.Second

// Browser is the launcher collaborator the engine observes. A spawned
// browser closes WaitExit when its process ends; a remote attach never
// does.
type Browser interface {
	Endpoint() string
	WaitExit() <-chan struct{}
}

// RemoteBrowser attaches to an already-running browser at a fixed debug
// endpoint. Its WaitExit never yields.
type RemoteBrowser struct {
	endpoint string
	never    chan struct{}
}

func NewRemoteBrowser(endpoint string) *RemoteBrowser {
	return &RemoteBrowser{endpoint: endpoint, never: make(chan struct{})}
}

func (b *RemoteBrowser) Endpoint() string { return b.endpoint }

func (b *RemoteBrowser) WaitExit() <-chan struct{} { return b.never }

// Config configures one engine run.
type Config struct {
	Browser Browser
	Fs      afero.Fs
	DataDir string

	Duration       time.Duration // 0 → run until ctx cancel or browser exit
	MaxSessions    int
	BatchFlush     bool
	SourceMaps     bool
	MaxValueLength int
	SampleInterval time.Duration // 0 → collector default; tests lower it

	Logger logrus.FieldLogger
}

// Engine is one monitoring run over one browser connection.
type Engine struct {
	cfg    Config
	logger logrus.FieldLogger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, logger: logger.WithField("component", "engine")}
}

// Run monitors until ctx is canceled, the configured duration elapses,
// the browser exits, or the connection is lost. The connection-loss case
// returns nil: disconnect is how a closing browser says goodbye.
func (e *Engine) Run(ctx context.Context) error {
	client, err := cdp.Connect(ctx, e.cfg.Browser.Endpoint(), e.logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = client.Close() }()

	mgr, err := output.NewManager(output.Config{
		Fs:      e.cfg.Fs,
		Root:    e.cfg.DataDir,
		Batched: e.cfg.BatchFlush,
		Version: Version,
		Logger:  e.logger,
	})
	if err != nil {
		return fmt.Errorf("session directory: %w", err)
	}
	e.logger.WithField("dir", mgr.SessionDir()).Info("session started")

	var resolver monitor.SourceMapResolver
	if e.cfg.SourceMaps {
		resolver = sourcemap.New(e.logger)
	}
	pipe := &pipeline{mgr: mgr, corr: correlate.New()}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sup := supervisor.New(supervisor.Config{
		Client:         client,
		Emit:           pipe,
		Recorder:       mgr,
		Resolver:       resolver,
		MaxSessions:    e.cfg.MaxSessions,
		MaxValueLength: e.cfg.MaxValueLength,
		SampleInterval: e.cfg.SampleInterval,
		Logger:         e.logger,
	})
	sup.Start(runCtx)

	reg := registry.New(client, sup.Hooks(), e.logger)
	if err := reg.Start(runCtx); err != nil {
		closeCtx, stop := context.WithTimeout(context.Background(), ShutdownGrace)
		sup.Close(closeCtx)
		stop()
		_ = mgr.Close(ShutdownGrace)
		return fmt.Errorf("target discovery: %w", err)
	}

	var timeUp <-chan time.Time
	if e.cfg.Duration > 0 {
		timer := time.NewTimer(e.cfg.Duration)
		defer timer.Stop()
		timeUp = timer.C
	}

	var reason string
	select {
	case <-ctx.Done():
		reason = "canceled"
	case <-timeUp:
		reason = "duration elapsed"
	case <-e.cfg.Browser.WaitExit():
		reason = "browser exited"
	case <-client.Done():
		reason = "connection lost"
	}
	e.logger.WithField("reason", reason).Info("stopping")

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), ShutdownGrace)
	defer stop()
	sup.Close(shutdownCtx)
	mgr.AddDrops("subscriber_queue", client.DroppedEvents())
	if err := mgr.Close(time.Until(deadlineOf(shutdownCtx))); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	e.logger.Info("session closed")
	return nil
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(ShutdownGrace)
}

// pipeline couples the writer with the correlator: every record is shown
// to the correlator on its way to disk, and a produced correlation lands
// in the host's correlations stream.
type pipeline struct {
	mgr  *output.Manager
	corr *correlate.Correlator
}

func (p *pipeline) Emit(host, stream string, rec record.Record) {
	if correlation, ok := p.corr.Observe(host, stream, rec); ok {
		p.mgr.Write(host, record.StreamCorrelations, correlation)
	}
	p.mgr.Write(host, stream, rec)
}
