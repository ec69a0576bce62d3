package monitor

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shanrichard/browserFairy/internal/record"
)

// longtaskBinding is the page-side callback name the observer bootstrap
// reports through. The browser enforces the 50 ms long-task threshold.
const longtaskBinding = "__browserFairyLongtask"

// longtaskBootstrap installs a PerformanceObserver and forwards each
// longtask entry through the binding. Read-only apart from the observer
// itself; it is the one script this system plants in pages.
const longtaskBootstrap = `
(() => {
  if (window.` + longtaskBinding + `Installed) return;
  window.` + longtaskBinding + `Installed = true;
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        const attribution = (entry.attribution && entry.attribution[0]) || {};
        window.` + longtaskBinding + `(JSON.stringify({
          duration: entry.duration,
          startTime: entry.startTime,
          name: entry.name,
          containerType: attribution.containerType,
          containerSrc: attribution.containerSrc,
          containerName: attribution.containerName,
        }));
      }
    }).observe({entryTypes: ['longtask']});
  } catch (e) {}
})();`

// LongtaskObserver emits one longtask record per PerformanceObserver
// entry reported by the page.
type LongtaskObserver struct {
	sess   Session
	emit   Emitter
	logger logrus.FieldLogger
}

func NewLongtaskObserver(sess Session, emit Emitter, logger logrus.FieldLogger) *LongtaskObserver {
	return &LongtaskObserver{
		sess:   sess,
		emit:   emit,
		logger: logger.WithField("collector", "longtask"),
	}
}

// Run installs the observer bootstrap in the current document and every
// future one, then consumes binding calls until ctx ends.
func (l *LongtaskObserver) Run(ctx context.Context) {
	sub := l.sess.Subscribe("Runtime.bindingCalled")
	defer sub.Unsubscribe()

	if _, err := l.sess.Call(ctx, "Runtime.addBinding", map[string]any{"name": longtaskBinding}); err != nil {
		l.logger.WithError(err).Debug("binding unavailable, long tasks not observed")
		return
	}
	if _, err := l.sess.Call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{
		"source": longtaskBootstrap,
	}); err != nil {
		l.logger.WithError(err).Debug("new-document bootstrap failed")
	}
	// The current document needs the observer too.
	if _, err := l.sess.Call(ctx, "Runtime.evaluate", map[string]any{"expression": longtaskBootstrap}); err != nil {
		l.logger.WithError(err).Debug("bootstrap evaluate failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			params := gjson.ParseBytes(ev.Params)
			if params.Get("name").String() != longtaskBinding {
				continue
			}
			l.onEntry(gjson.Parse(params.Get("payload").String()))
		}
	}
}

func (l *LongtaskObserver) onEntry(entry gjson.Result) {
	host := l.sess.Host()
	rec := stamp(record.New("longtask", host), l.sess)
	rec["duration"] = entry.Get("duration").Float()
	rec["startTime"] = entry.Get("startTime").Float()
	attribution := map[string]any{"name": entry.Get("name").String()}
	if v := entry.Get("containerType").String(); v != "" {
		attribution["containerType"] = v
	}
	if v := entry.Get("containerSrc").String(); v != "" {
		attribution["containerSrc"] = v
	}
	if v := entry.Get("containerName").String(); v != "" {
		attribution["containerName"] = v
	}
	rec["attribution"] = attribution
	l.emit.Emit(host, record.StreamLongtask, rec.Seal())
}
