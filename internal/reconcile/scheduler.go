package reconcile

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
)

// MerchantLister enumerates the merchants eligible for scheduled passes.
type MerchantLister interface {
	ListSyncEnabledMerchants(ctx context.Context) ([]string, error)
}

// Scheduler runs the engine for every sync-enabled merchant on a cron
// cadence.
type Scheduler struct {
	cron      *cron.Cron
	engine    *Engine
	merchants MerchantLister
	schedule  string
	log       *logrus.Entry
}

// NewScheduler builds a scheduler with a standard 5-field cron expression.
func NewScheduler(engine *Engine, merchants MerchantLister, schedule string, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		engine:    engine,
		merchants: merchants,
		schedule:  schedule,
		log:       log.WithField("component", "reconcile_scheduler"),
	}
}

// Start registers the cron entry and begins ticking.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runAll); err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("reconciliation scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) runAll() {
	ctx := context.Background()
	merchants, err := s.merchants.ListSyncEnabledMerchants(ctx)
	if err != nil {
		s.log.WithError(err).Error("list merchants for scheduled reconciliation")
		return
	}

	for _, merchantID := range merchants {
		_, err := s.engine.TriggerRun(ctx, merchantID, models.RunTypeScheduled)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrRecentRun), errors.Is(err, ErrSyncDisabled):
			s.log.WithField("merchant", merchantID).WithError(err).Debug("scheduled run skipped")
		default:
			s.log.WithField("merchant", merchantID).WithError(err).Error("scheduled run failed to start")
		}
	}
}
