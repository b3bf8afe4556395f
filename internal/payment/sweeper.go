package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
)

// SweepLockKey names the cluster lock held for the duration of a sweep.
const SweepLockKey = "payment:notify-sweep"

// SweepReport summarises one sweep.
type SweepReport struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}

// Sweeper replays FAILED and stale PENDING notify logs in bounded batches.
type Sweeper struct {
	processor *NotifyProcessor
	logs      NotifyLogStore
	locker    Locker
	batch     int32
	lockTTL   time.Duration
	log       zerolog.Logger
}

// NewSweeper wires a Sweeper. A nil locker runs without a cluster lock.
func NewSweeper(p *NotifyProcessor, logs NotifyLogStore, locker Locker, batch int32, log zerolog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		processor: p,
		logs:      logs,
		locker:    locker,
		batch:     batch,
		lockTTL:   5 * time.Minute,
		log:       log.With().Str("component", "sweeper").Logger(),
	}
}

// Run performs one sweep. When another instance holds the lock it returns
// a report with Skipped set.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, SweepLockKey, s.lockTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			s.log.Debug().Msg("sweep lock held elsewhere")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("release sweep lock")
			}
		}()
	}

	cfg := s.processor.cfg
	failed, err := s.logs.List(ctx, notifylog.ListFilter{
		Status:   notifylog.StatusFailed,
		MaxRetry: cfg.MaxRetry,
		Limit:    s.batch,
	})
	if err != nil {
		return report, err
	}
	stale, err := s.logs.List(ctx, notifylog.ListFilter{
		Status:   notifylog.StatusPending,
		Before:   s.processor.nowFunc().Add(-cfg.StaleAfter),
		MaxRetry: cfg.MaxRetry,
		Limit:    s.batch,
	})
	if err != nil {
		return report, err
	}

	for _, rec := range append(failed, stale...) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		res := s.processor.RetryFailedNotify(ctx, rec.LogID)
		if res.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	if report.Attempted > 0 {
		s.log.Info().
			Int("attempted", report.Attempted).
			Int("succeeded", report.Succeeded).
			Int("failed", report.Failed).
			Msg("notify sweep finished")
	}
	return report, nil
}
