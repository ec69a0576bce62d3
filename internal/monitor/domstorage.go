package monitor

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

// DefaultMaxValueLength bounds captured DOM-storage values.
const DefaultMaxValueLength = 2048

// DOMStorageObserver turns set/removed/updated/cleared notifications into
// domstorage_event records on the storage stream.
type DOMStorageObserver struct {
	sess     Session
	emit     Emitter
	logger   logrus.FieldLogger
	maxValue int
}

// DOMStorageOption tweaks an observer before it runs.
type DOMStorageOption func(*DOMStorageObserver)

// WithMaxValueLength overrides the value truncation limit.
func WithMaxValueLength(n int) DOMStorageOption {
	return func(d *DOMStorageObserver) {
		if n > 0 {
			d.maxValue = n
		}
	}
}

func NewDOMStorageObserver(sess Session, emit Emitter, logger logrus.FieldLogger, opts ...DOMStorageOption) *DOMStorageObserver {
	d := &DOMStorageObserver{
		sess:     sess,
		emit:     emit,
		logger:   logger.WithField("collector", "domstorage"),
		maxValue: DefaultMaxValueLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes DOM-storage notifications until ctx ends.
func (d *DOMStorageObserver) Run(ctx context.Context) {
	sub := d.sess.Subscribe(
		"DOMStorage.domStorageItemAdded",
		"DOMStorage.domStorageItemUpdated",
		"DOMStorage.domStorageItemRemoved",
		"DOMStorage.domStorageItemsCleared",
	)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			d.onEvent(ev.Method, gjson.ParseBytes(ev.Params))
		}
	}
}

func (d *DOMStorageObserver) onEvent(method string, params gjson.Result) {
	var action string
	switch method {
	case "DOMStorage.domStorageItemAdded":
		action = "added"
	case "DOMStorage.domStorageItemUpdated":
		action = "updated"
	case "DOMStorage.domStorageItemRemoved":
		action = "removed"
	case "DOMStorage.domStorageItemsCleared":
		action = "cleared"
	default:
		return
	}

	host := d.sess.Host()
	rec := stamp(record.New("domstorage_event", host), d.sess)
	rec["action"] = action
	if key := params.Get("key").String(); key != "" {
		rec["key"] = key
	}
	switch action {
	case "added", "updated":
		rec["value"] = truncate(params.Get("newValue").String(), d.maxValue)
	}
	storageID := params.Get("storageId")
	rec["storage"] = map[string]any{
		"origin":         storageID.Get("securityOrigin").String(),
		"isLocalStorage": storageID.Get("isLocalStorage").Bool(),
	}
	d.emit.Emit(host, record.StreamStorage, rec.Seal())
}

// snapshotExpr enumerates both storages plus the quota estimate in one
// read-only evaluation.
const snapshotExpr = `
(async () => {
  const dump = (s) => {
    const out = {};
    for (let i = 0; i < s.length; i++) {
      const k = s.key(i);
      out[k] = s.getItem(k);
    }
    return out;
  };
  let estimate = null;
  try {
    if (navigator.storage && navigator.storage.estimate) {
      estimate = await navigator.storage.estimate();
      estimate = {quota: estimate.quota, usage: estimate.usage};
    }
  } catch (e) {}
  return {
    localStorage: dump(window.localStorage),
    sessionStorage: dump(window.sessionStorage),
    estimate: estimate,
  };
})()`

// Snapshot enumerates all local and session storage keys for one target
// and emits a single domstorage_snapshot record. Driven by the CLI, not
// the continuous engine, over the same session infrastructure.
func Snapshot(ctx context.Context, sess Session, emit Emitter, maxValue int) error {
	if maxValue <= 0 {
		maxValue = DefaultMaxValueLength
	}
	res, err := sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    snapshotExpr,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		return err
	}
	value := gjson.GetBytes(res, "result.value")

	host := sess.Host()
	rec := stamp(record.New("domstorage_snapshot", host), sess)
	rec["url"] = sess.URL()
	rec["localStorage"] = snapshotItems(value.Get("localStorage"), maxValue)
	rec["sessionStorage"] = snapshotItems(value.Get("sessionStorage"), maxValue)
	if estimate := value.Get("estimate"); estimate.Exists() && estimate.Type != gjson.Null {
		rec["estimate"] = map[string]any{
			"quota": estimate.Get("quota").Float(),
			"usage": estimate.Get("usage").Float(),
		}
	}
	emit.Emit(host, record.StreamStorage, rec.Seal())
	return nil
}

func snapshotItems(items gjson.Result, maxValue int) map[string]any {
	out := make(map[string]any)
	items.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = truncate(v.String(), maxValue)
		return true
	})
	return out
}
