package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/pi-funnel/internal/config"
)

func TestScheduler_RunsJobs(t *testing.T) {
	t.Parallel()

	var ticks, failures atomic.Int32
	s, err := New([]Job{
		{Name: "tick", Every: 20 * time.Millisecond, Run: func(context.Context) (int, error) {
			ticks.Add(1)
			return 1, nil
		}},
		{Name: "fail", Every: 20 * time.Millisecond, Run: func(context.Context) (int, error) {
			failures.Add(1)
			return 0, errors.New("boom")
		}},
		{Name: "off", Every: 0, Run: func(context.Context) (int, error) {
			t.Errorf("disabled job ran")
			return 0, nil
		}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 || failures.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected jobs to run repeatedly, got ticks=%d failures=%d", ticks.Load(), failures.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFunnelJobs_Intervals(t *testing.T) {
	t.Parallel()

	cfg := config.SchedulerConfig{
		StartDueEvery: time.Second, ResolveEvery: 2 * time.Second, PurgeEvery: 3 * time.Second,
		ResumeEvery: 4 * time.Second, AuditEvery: 5 * time.Second,
	}
	jobs := FunnelJobs(cfg, nil, nil, nil)
	want := map[string]time.Duration{
		"start-due-rooms":      time.Second,
		"resolve-live-rooms":   2 * time.Second,
		"purge-stale-payments": 3 * time.Second,
		"resume-advancement":   4 * time.Second,
		"audit-capacity":       5 * time.Second,
	}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for _, j := range jobs {
		if want[j.Name] != j.Every {
			t.Fatalf("job %s: expected every %s, got %s", j.Name, want[j.Name], j.Every)
		}
	}
}
