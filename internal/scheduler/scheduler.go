// Package scheduler drives the time-based parts of the funnel: starting
// scheduled rooms, resolving finished games, purging stale payments,
// resuming interrupted advancement and auditing seat counts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/iliyamo/pi-funnel/internal/config"
	"github.com/iliyamo/pi-funnel/internal/service"
)

// Job is one periodic task.  Run reports how many items it handled.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)
}

// FunnelJobs returns the funnel's periodic jobs with intervals from cfg.
func FunnelJobs(cfg config.SchedulerConfig, rooms *service.RoomManager,
	payments *service.PaymentReconciler, adv *service.AdvancementEngine) []Job {
	return []Job{
		{Name: "start-due-rooms", Every: cfg.StartDueEvery, Run: rooms.StartDueRooms},
		{Name: "resolve-live-rooms", Every: cfg.ResolveEvery, Run: rooms.ResolveLive},
		{Name: "purge-stale-payments", Every: cfg.PurgeEvery, Run: payments.PurgeStale},
		{Name: "resume-advancement", Every: cfg.ResumeEvery, Run: adv.ResumePending},
		{Name: "audit-capacity", Every: cfg.AuditEvery, Run: func(ctx context.Context) (int, error) {
			v, err := rooms.AuditCapacity(ctx)
			return len(v), err
		}},
	}
}

// Scheduler runs jobs on a gocron scheduler.  A job never overlaps with
// its own previous run.
type Scheduler struct {
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers jobs.  Jobs with a non-positive interval are skipped.
func New(jobs []Job) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, ctx: ctx, cancel: cancel}
	for _, j := range jobs {
		if j.Every <= 0 {
			log.Printf("scheduler: job %s disabled", j.Name)
			continue
		}
		j := j
		_, err := sched.NewJob(
			gocron.DurationJob(j.Every),
			gocron.NewTask(func() { s.run(j) }),
			gocron.WithName(j.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return nil, fmt.Errorf("register %s: %w", j.Name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(j Job) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()
	n, err := j.Run(ctx)
	switch {
	case errors.Is(err, service.ErrInvariantViolation):
		log.Printf("scheduler: %s: %v", j.Name, err)
	case err != nil:
		log.Printf("scheduler: %s failed: %v", j.Name, err)
	case n > 0:
		log.Printf("scheduler: %s handled %d", j.Name, n)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.sched.Start() }

// Shutdown stops the scheduler and cancels running jobs.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.sched.Shutdown()
}
