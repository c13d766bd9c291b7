package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/payrelay/payrelay/infra/logger"
)

// Scheduler drives the webhook retry loop and the nightly retention sweep.
type Scheduler struct {
	webhooks *WebhookService

	retryInterval time.Duration
	retryBatch    int
	retention     time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the webhook service.
func NewScheduler(webhooks *WebhookService, retryInterval time.Duration, retryBatch int, retention time.Duration) *Scheduler {
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	if retryBatch <= 0 {
		retryBatch = 50
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Scheduler{
		webhooks:      webhooks,
		retryInterval: retryInterval,
		retryBatch:    retryBatch,
		retention:     retention,
		cron:          cron.New(),
		done:          make(chan struct{}),
	}
}

// Start launches the retry ticker and the daily cleanup job.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.retryLoop(ctx)

	if _, err := s.cron.AddFunc("0 3 * * *", func() { s.cleanup(ctx) }); err != nil {
		logger.Error("schedule webhook cleanup", err)
	}
	s.cron.Start()

	logger.Info("scheduler started", logger.LogContext{
		Fields: map[string]any{
			"retryInterval": s.retryInterval.String(),
			"retryBatch":    s.retryBatch,
			"retention":     s.retention.String(),
		},
	})
}

// Stop halts both jobs and waits for the retry loop to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	<-s.done
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.webhooks.RetryDue(ctx, now.UTC(), s.retryBatch)
			if err != nil {
				logger.Error("webhook retry sweep", err)
				continue
			}
			if n > 0 {
				logger.Info("webhook retry sweep", logger.LogContext{
					Fields: map[string]any{"attempted": n},
				})
			}
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	deleted, err := s.webhooks.Cleanup(ctx, cutoff)
	if err != nil {
		logger.Error("webhook retention sweep", err)
		return
	}
	logger.Info("webhook retention sweep", logger.LogContext{
		Fields: map[string]any{"deleted": deleted, "cutoff": cutoff.Format(time.RFC3339)},
	})
}
