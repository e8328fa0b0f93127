package hygiene

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexushq/relay/internal/observability"
)

// runTimeout bounds one scheduled hygiene pass.
const runTimeout = 10 * time.Minute

// Scheduler runs the hygiene routine on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	svc    *Service
	logger *observability.Logger
}

// NewScheduler registers the routine under the given cron expression
// (standard 5-field syntax). An empty expression returns a nil scheduler,
// which Start and Stop tolerate.
func NewScheduler(svc *Service, schedule string, logger *observability.Logger) (*Scheduler, error) {
	if schedule == "" {
		return nil, nil
	}
	s := &Scheduler{
		cron:   cron.New(),
		svc:    svc,
		logger: logger,
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := svc.Run(ctx, false); err != nil {
			logger.Error(ctx, "scheduled hygiene run failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
}
