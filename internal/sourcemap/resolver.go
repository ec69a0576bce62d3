// Package sourcemap resolves generated script positions back to their
// original sources. Script→map associations are learned passively from
// Debugger.scriptParsed events; maps are fetched from data: URLs or over
// HTTP(S) and parsed consumers are kept in a small LRU.
package sourcemap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-sourcemap/sourcemap"
	"github.com/sirupsen/logrus"

	"github.com/shanrichard/browserFairy/internal/monitor"
)

const (
	maxConsumers = 32
	maxMapBytes  = 20 << 20
)

// Resolver implements monitor.SourceMapResolver. It performs no work
// beyond map fetch and parse: Resolve is side-effect-free from the
// page's point of view and honors the caller's context deadline.
type Resolver struct {
	logger logrus.FieldLogger
	client *http.Client

	mu      sync.Mutex
	mapURLs map[string]string // script URL → absolute map URL
	parsed  map[string]*sourcemap.Consumer
	failed  map[string]struct{} // negative cache: do not refetch
	order   []string            // LRU over parsed
}

func New(logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		logger:  logger.WithField("component", "sourcemap"),
		client:  &http.Client{},
		mapURLs: make(map[string]string),
		parsed:  make(map[string]*sourcemap.Consumer),
		failed:  make(map[string]struct{}),
	}
}

// ObserveScript records the sourceMapURL announced for a parsed script.
// Relative map URLs are resolved against the script's own URL.
func (r *Resolver) ObserveScript(scriptURL, sourceMapURL string) {
	if scriptURL == "" || sourceMapURL == "" {
		return
	}
	if !strings.HasPrefix(sourceMapURL, "data:") {
		base, err := url.Parse(scriptURL)
		if err != nil {
			return
		}
		ref, err := url.Parse(sourceMapURL)
		if err != nil {
			return
		}
		sourceMapURL = base.ResolveReference(ref).String()
	}
	r.mu.Lock()
	r.mapURLs[scriptURL] = sourceMapURL
	r.mu.Unlock()
}

// Resolve maps a 0-based generated position to its original source.
func (r *Resolver) Resolve(ctx context.Context, scriptURL string, line, column int) (monitor.Original, bool) {
	consumer, err := r.consumer(ctx, scriptURL)
	if err != nil || consumer == nil {
		return monitor.Original{}, false
	}
	// The consumer speaks 1-based lines; CDP positions are 0-based.
	file, name, origLine, origColumn, ok := consumer.Source(line+1, column)
	if !ok || file == "" {
		return monitor.Original{}, false
	}
	return monitor.Original{File: file, Line: origLine - 1, Column: origColumn, Name: name}, true
}

func (r *Resolver) consumer(ctx context.Context, scriptURL string) (*sourcemap.Consumer, error) {
	r.mu.Lock()
	if c, ok := r.parsed[scriptURL]; ok {
		r.touch(scriptURL)
		r.mu.Unlock()
		return c, nil
	}
	if _, bad := r.failed[scriptURL]; bad {
		r.mu.Unlock()
		return nil, nil
	}
	mapURL := r.mapURLs[scriptURL]
	r.mu.Unlock()
	if mapURL == "" {
		return nil, nil
	}

	data, err := r.fetch(ctx, mapURL)
	if err == nil {
		var c *sourcemap.Consumer
		if c, err = sourcemap.Parse(mapURL, data); err == nil {
			r.store(scriptURL, c)
			return c, nil
		}
	}
	r.logger.WithError(err).WithField("script", scriptURL).Debug("source map unusable")
	r.mu.Lock()
	r.failed[scriptURL] = struct{}{}
	r.mu.Unlock()
	return nil, err
}

func (r *Resolver) fetch(ctx context.Context, mapURL string) ([]byte, error) {
	if strings.HasPrefix(mapURL, "data:") {
		return decodeDataURL(mapURL)
	}
	if !strings.HasPrefix(mapURL, "http://") && !strings.HasPrefix(mapURL, "https://") {
		return nil, fmt.Errorf("unsupported map URL scheme: %s", mapURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mapURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", mapURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMapBytes))
}

func decodeDataURL(u string) ([]byte, error) {
	comma := strings.IndexByte(u, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URL")
	}
	meta, payload := u[len("data:"):comma], u[comma+1:]
	if strings.Contains(meta, "base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

// store inserts under the LRU cap; must not hold mu on entry.
func (r *Resolver) store(scriptURL string, c *sourcemap.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parsed[scriptURL]; !exists {
		r.order = append(r.order, scriptURL)
	}
	r.parsed[scriptURL] = c
	for len(r.order) > maxConsumers {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.parsed, oldest)
	}
}

// touch must be called with mu held.
func (r *Resolver) touch(scriptURL string) {
	for i, u := range r.order {
		if u == scriptURL {
			r.order = append(append(r.order[:i:i], r.order[i+1:]...), scriptURL)
			return
		}
	}
}
