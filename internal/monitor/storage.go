package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/hostname"
	"github.com/shanrichard/browserFairy/internal/record"
)

// Quota polling cadence and warning thresholds.
const (
	quotaPollInterval   = 30 * time.Second
	quotaWarningRatio   = 0.5
	quotaCriticalRatio  = 0.8
	storageEstimateExpr = "navigator.storage && navigator.storage.estimate ? navigator.storage.estimate() : null"
)

// StorageObserver polls the storage quota estimate for the session's
// current origin and emits one storage_quota record per poll.
type StorageObserver struct {
	sess     Session
	emit     Emitter
	logger   logrus.FieldLogger
	interval time.Duration
}

// StorageOption tweaks an observer before it runs.
type StorageOption func(*StorageObserver)

// WithQuotaInterval overrides the poll cadence, mainly for tests.
func WithQuotaInterval(d time.Duration) StorageOption {
	return func(s *StorageObserver) { s.interval = d }
}

func NewStorageObserver(sess Session, emit Emitter, logger logrus.FieldLogger, opts ...StorageOption) *StorageObserver {
	s := &StorageObserver{
		sess:     sess,
		emit:     emit,
		logger:   logger.WithField("collector", "storage"),
		interval: quotaPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx ends. The first poll happens immediately so short
// sessions still get one reading.
func (s *StorageObserver) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *StorageObserver) poll(ctx context.Context) {
	origin := hostname.Origin(s.sess.URL())
	if origin == "" {
		return
	}
	quota, usage, details, ok := s.browserQuota(ctx, origin)
	if !ok {
		// Permission or availability failure at the browser level: fall
		// back to the page's own estimate.
		if quota, usage, details, ok = s.pageQuota(ctx); !ok {
			return
		}
	}

	host := s.sess.Host()
	rec := stamp(record.New("storage_quota", host), s.sess)
	rec["origin"] = origin
	rec["quota"] = quota
	rec["usage"] = usage
	if details != nil {
		rec["usageDetails"] = details
	}
	var rate float64
	if quota > 0 {
		rate = usage / quota
	}
	rec["usageRate"] = rate
	rec["warningLevel"] = warningLevel(rate)
	s.emit.Emit(host, record.StreamStorage, rec.Seal())
}

func (s *StorageObserver) browserQuota(ctx context.Context, origin string) (quota, usage float64, details map[string]any, ok bool) {
	res, err := s.sess.Call(ctx, "Storage.getUsageAndQuota", map[string]any{"origin": origin})
	if err != nil {
		s.logger.WithError(err).Debug("browser quota read failed, trying page estimate")
		return 0, 0, nil, false
	}
	details = map[string]any{}
	gjson.GetBytes(res, "usageBreakdown").ForEach(func(_, b gjson.Result) bool {
		details[b.Get("storageType").String()] = b.Get("usage").Float()
		return true
	})
	if len(details) == 0 {
		details = nil
	}
	return gjson.GetBytes(res, "quota").Float(), gjson.GetBytes(res, "usage").Float(), details, true
}

func (s *StorageObserver) pageQuota(ctx context.Context) (quota, usage float64, details map[string]any, ok bool) {
	res, err := s.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    storageEstimateExpr,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		s.logger.WithError(err).Debug("page estimate failed, poll skipped")
		return 0, 0, nil, false
	}
	value := gjson.GetBytes(res, "result.value")
	if !value.Exists() || value.Type == gjson.Null {
		return 0, 0, nil, false
	}
	details = map[string]any{}
	value.Get("usageDetails").ForEach(func(k, v gjson.Result) bool {
		details[k.String()] = v.Float()
		return true
	})
	if len(details) == 0 {
		details = nil
	}
	return value.Get("quota").Float(), value.Get("usage").Float(), details, true
}

func warningLevel(rate float64) string {
	switch {
	case rate >= quotaCriticalRatio:
		return "critical"
	case rate >= quotaWarningRatio:
		return "warning"
	default:
		return "normal"
	}
}
