package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default staleness thresholds (§4.4).
const (
	DefaultStaleAfter   = 90 * time.Second
	DefaultOfflineAfter = 5 * time.Minute
)

// WorkerSweepStore is the narrow interface the staleness sweeper needs.
// internal/store.Store satisfies this structurally; automation never imports
// store, so the dependency points one way (store -> automation for the pure
// evaluators, automation -> this interface for the sweep).
type WorkerSweepStore interface {
	// SweepStaleWorkers demotes online workers whose last heartbeat is older
	// than staleAfter to "stale", and stale/online workers older than
	// offlineAfter to "offline". Transitioning to offline must, within the
	// same transaction, fail every task that worker held in {claimed,
	// running} with the synthetic error "worker went offline" and run the
	// cascade for each (P4/I6).
	SweepStaleWorkers(ctx context.Context, staleAfter, offlineAfter time.Duration) (offlineCount int, err error)
}

// Sweeper runs the staleness sweep on a fixed schedule via robfig/cron,
// adapting the teacher's cron wrapper from calendar triggers to a fixed-
// interval tick (a "@every" cron spec).
type Sweeper struct {
	store        WorkerSweepStore
	logger       *slog.Logger
	staleAfter   time.Duration
	offlineAfter time.Duration
	cron         *cron.Cron
}

// NewSweeper constructs a Sweeper with the §4.4 default thresholds; pass
// zero durations to accept the defaults.
func NewSweeper(store WorkerSweepStore, logger *slog.Logger, staleAfter, offlineAfter time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	if offlineAfter == 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &Sweeper{
		store:        store,
		logger:       logger,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		cron:         cron.New(),
	}
}

// Start schedules the sweep every interval (default: every 30s, fine-grained
// enough relative to the 90s/5m thresholds) and begins running it in the
// background. Call Stop to terminate.
func (sw *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval == 0 {
		interval = 30 * time.Second
	}
	_, err := sw.cron.AddFunc("@every "+interval.String(), func() {
		sw.runOnce(ctx)
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	stopCtx := sw.cron.Stop()
	<-stopCtx.Done()
}

func (sw *Sweeper) runOnce(ctx context.Context) {
	n, err := sw.store.SweepStaleWorkers(ctx, sw.staleAfter, sw.offlineAfter)
	if err != nil {
		sw.logger.Error("staleness sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		sw.logger.Info("staleness sweep transitioned workers offline", slog.Int("count", n))
	}
}
