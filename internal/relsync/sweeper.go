package relsync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
)

// TransitSweeper periodically reports moves that were disconnected from their
// source but never reached a destination.
type TransitSweeper struct {
	scheduler  gocron.Scheduler
	journal    Journal
	staleAfter time.Duration
	interval   time.Duration
}

func NewTransitSweeper(journal Journal, interval, staleAfter time.Duration) (*TransitSweeper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &TransitSweeper{
		scheduler:  scheduler,
		journal:    journal,
		staleAfter: staleAfter,
		interval:   interval,
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (s *TransitSweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				log.WithError(err).Error("transit sweep failed")
			}
		}),
		gocron.WithName("transit_sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register transit sweep: %w", err)
	}
	s.scheduler.Start()
	log.WithFields(log.Fields{"interval": s.interval, "stale_after": s.staleAfter}).Info("transit sweeper started")
	return nil
}

func (s *TransitSweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep lists stuck moves once, logging each and updating the gauge.
func (s *TransitSweeper) Sweep(ctx context.Context) ([]JournalEntry, error) {
	entries, err := s.journal.Stuck(ctx, s.staleAfter)
	if err != nil {
		return nil, err
	}
	stuckMoves.Set(float64(len(entries)))
	for _, e := range entries {
		log.WithFields(log.Fields{
			"journal":     e.ID,
			"collection":  e.TargetEntity,
			"owner":       e.OwnerID,
			"field":       e.Field,
			"source":      e.SourceRecordID,
			"related":     e.RelatedID,
			"destination": e.DestinationStatus,
			"error":       e.Error,
		}).Warn("move stuck in transit")
	}
	return entries, nil
}
