package host

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

func (h *Host) startRetention() error {
	if h.cfg.Store.Retention <= 0 {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(h.cfg.Store.RetentionInterval),
		gocron.NewTask(h.runRetention),
		gocron.WithName("record-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create retention job: %w", err)
	}
	s.Start()
	h.sched = s
	h.log.Info("record retention enabled", "retention", h.cfg.Store.Retention, "every", h.cfg.Store.RetentionInterval)
	return nil
}

func (h *Host) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Store.RetentionInterval)
	defer cancel()
	n, err := h.store.PurgeSyncedBefore(ctx, retentionCutoff(h.cfg.Store.Retention))
	if err != nil {
		h.log.Error("record retention failed", "error", err)
		return
	}
	if n > 0 {
		h.log.Info("purged synced records", "count", n)
	}
}

func retentionCutoff(retention time.Duration) time.Time { return time.Now().Add(-retention) }
