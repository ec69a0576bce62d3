// Package registry discovers the browser's page targets and tracks their
// identity, URL, and host partition across navigations.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/hostname"
)

// DefaultPollInterval is the cadence of the reconciliation fallback that
// recovers from missed lifecycle events.
const DefaultPollInterval = 5 * time.Second

// TargetInfo is one monitorable page target.
type TargetInfo struct {
	ID    string
	URL   string
	Host  string
	Title string
}

// Hooks receive lifecycle notifications. They are invoked from the
// registry's own goroutines and must not block for long.
type Hooks struct {
	OnAppear    func(TargetInfo)
	OnNavigate  func(t TargetInfo, oldHost, newHost string)
	OnDisappear func(targetID string)
}

// Registry tracks page targets. Event-driven updates and the polling
// fallback reconcile against the same state under one mutex.
type Registry struct {
	client *cdp.Client
	logger logrus.FieldLogger
	hooks  Hooks

	// PollInterval may be lowered before Start, mainly by tests.
	PollInterval time.Duration

	mu      sync.Mutex
	targets map[string]TargetInfo
}

func New(client *cdp.Client, hooks Hooks, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		client:       client,
		logger:       logger.WithField("component", "registry"),
		hooks:        hooks,
		PollInterval: DefaultPollInterval,
		targets:      make(map[string]TargetInfo),
	}
}

// Start enables discovery, seeds from the current target list, and runs
// the event and polling loops until ctx is canceled or the connection is
// lost.
func (r *Registry) Start(ctx context.Context) error {
	// Subscribe before enabling discovery so nothing slips between.
	sub := r.client.Subscribe("",
		"Target.targetCreated", "Target.targetInfoChanged", "Target.targetDestroyed")

	if _, err := r.client.Call(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		sub.Unsubscribe()
		return err
	}
	if err := r.refresh(ctx); err != nil {
		r.logger.WithError(err).Warn("initial target list failed; polling will recover")
	}

	go r.eventLoop(ctx, sub)
	go r.pollLoop(ctx)
	return nil
}

// Snapshot returns the currently known page targets.
func (r *Registry) Snapshot() []TargetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TargetInfo, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}

func (r *Registry) eventLoop(ctx context.Context, sub *cdp.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Method {
			case "Target.targetCreated", "Target.targetInfoChanged":
				r.apply(gjson.GetBytes(ev.Params, "targetInfo"))
			case "Target.targetDestroyed":
				r.remove(gjson.GetBytes(ev.Params, "targetId").String())
			}
		}
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				if errors.Is(err, cdp.ErrDisconnected) {
					return
				}
				r.logger.WithError(err).Debug("target poll failed")
			}
		}
	}
}

// refresh reconciles against the full target list, adding what events
// missed and removing what silently vanished.
func (r *Registry) refresh(ctx context.Context) error {
	res, err := r.client.Call(ctx, "Target.getTargets", nil)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, info := range gjson.GetBytes(res, "targetInfos").Array() {
		if info.Get("type").String() != "page" {
			continue
		}
		seen[info.Get("targetId").String()] = struct{}{}
		r.apply(info)
	}

	var gone []string
	r.mu.Lock()
	for id := range r.targets {
		if _, ok := seen[id]; !ok {
			delete(r.targets, id)
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()
	for _, id := range gone {
		r.fireDisappear(id)
	}
	return nil
}

func (r *Registry) apply(info gjson.Result) {
	if info.Get("type").String() != "page" {
		return
	}
	id := info.Get("targetId").String()
	if id == "" {
		return
	}
	url := info.Get("url").String()
	title := info.Get("title").String()
	usable := hostname.Monitorable(url)

	var (
		appeared   *TargetInfo
		navigated  *TargetInfo
		oldHost    string
		vanishedID string
	)
	r.mu.Lock()
	prev, known := r.targets[id]
	switch {
	case !known && usable:
		t := TargetInfo{ID: id, URL: url, Host: hostname.FromURL(url), Title: title}
		r.targets[id] = t
		appeared = &t
	case known && !usable:
		// Navigated onto a browser-internal page: nothing left to watch.
		delete(r.targets, id)
		vanishedID = id
	case known && usable:
		t := TargetInfo{ID: id, URL: url, Host: hostname.FromURL(url), Title: title}
		r.targets[id] = t
		if t.Host != prev.Host {
			navigated = &t
			oldHost = prev.Host
		}
	}
	r.mu.Unlock()

	switch {
	case appeared != nil:
		r.logger.WithFields(logrus.Fields{"targetID": id, "host": appeared.Host}).Debug("target appeared")
		r.fireAppear(*appeared)
	case navigated != nil:
		r.logger.WithFields(logrus.Fields{"targetID": id, "from": oldHost, "to": navigated.Host}).Debug("target changed host")
		r.fireNavigate(*navigated, oldHost)
	case vanishedID != "":
		r.fireDisappear(vanishedID)
	}
}

func (r *Registry) remove(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	_, known := r.targets[id]
	delete(r.targets, id)
	r.mu.Unlock()
	if known {
		r.logger.WithField("targetID", id).Debug("target destroyed")
		r.fireDisappear(id)
	}
}

func (r *Registry) fireAppear(t TargetInfo) {
	if r.hooks.OnAppear != nil {
		r.hooks.OnAppear(t)
	}
}

func (r *Registry) fireNavigate(t TargetInfo, oldHost string) {
	if r.hooks.OnNavigate != nil {
		r.hooks.OnNavigate(t, oldHost, t.Host)
	}
}

func (r *Registry) fireDisappear(id string) {
	if r.hooks.OnDisappear != nil {
		r.hooks.OnDisappear(id)
	}
}
