package retryqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline0/internal/network"
)

// Watcher fires the reconnection signal. It probes ProbeURL and drains the
// queue when the probe goes from failing to succeeding, and additionally
// drains every DrainEvery. A zero interval disables that trigger.
type Watcher struct {
	Queue      *Queue
	Fetcher    network.Fetcher
	ProbeURL   string
	ProbeEvery time.Duration
	DrainEvery time.Duration
	Logger     *zap.Logger

	online bool
}

func (w *Watcher) Run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reconnect")

	var probeC, drainC <-chan time.Time
	if w.ProbeURL != "" && w.ProbeEvery > 0 {
		t := time.NewTicker(w.ProbeEvery)
		defer t.Stop()
		probeC = t.C
		// assume online until a probe says otherwise
		w.online = true
	}
	if w.DrainEvery > 0 {
		t := time.NewTicker(w.DrainEvery)
		defer t.Stop()
		drainC = t.C
	}
	if probeC == nil && drainC == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeC:
			if w.probe(ctx) {
				logger.Info("connectivity restored, draining retry queue", zap.String("probe", w.ProbeURL))
				w.signal(ctx, logger)
			}
		case <-drainC:
			w.signal(ctx, logger)
		}
	}
}

// probe reports a failing → succeeding transition.
func (w *Watcher) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.ProbeEvery)
	defer cancel()
	resp, err := w.Fetcher.Fetch(pctx, &network.Request{Method: "GET", URL: w.ProbeURL})
	up := err == nil && resp.Status < 500

	restored := up && !w.online
	w.online = up
	return restored
}

func (w *Watcher) signal(ctx context.Context, logger *zap.Logger) {
	if _, ran, err := w.Queue.TryDrain(ctx); err != nil {
		logger.Warn("drain failed", zap.Error(err))
	} else if !ran {
		logger.Debug("drain already running")
	}
}
