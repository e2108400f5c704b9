package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/sluice/internal/config"
	"github.com/mattjoyce/sluice/internal/events"
	"github.com/mattjoyce/sluice/internal/router"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// Scheduler fires Schedule events for configured branches.
type Scheduler struct {
	schedules    []config.ScheduleConfig
	tickInterval time.Duration
	serviceName  string
	router       EventRouter
	ledger       RunLedger
	events       events.Publisher
	logger       *slog.Logger
	now          func() time.Time

	janitor   WorkspaceJanitor
	retention time.Duration

	mu   sync.Mutex
	next map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. hub may be nil.
func New(cfg *config.Config, r EventRouter, ledger RunLedger, hub events.Publisher, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	schedules := append([]config.ScheduleConfig(nil), cfg.Schedules...)
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Name < schedules[j].Name })

	return &Scheduler{
		schedules:    schedules,
		tickInterval: cfg.Service.TickInterval,
		serviceName:  cfg.Service.Name,
		router:       r,
		ledger:       ledger,
		events:       hub,
		logger:       logger.With("component", "scheduler"),
		now:          time.Now,
		next:         make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// WithWorkspaceCleanup makes every tick remove run workspaces older than
// retention.
func (s *Scheduler) WithWorkspaceCleanup(j WorkspaceJanitor, retention time.Duration) *Scheduler {
	s.janitor = j
	s.retention = retention
	return s
}

// Start recovers runs interrupted by a crash and begins the tick loop. The
// first fire of each schedule is one (jittered) interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "schedules", len(s.schedules))

	if err := s.recoverInterruptedRuns(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	start := s.now()
	s.mu.Lock()
	for _, sc := range s.schedules {
		s.next[sc.Name] = nextFire(start, sc)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop stops the tick loop and waits for an in-progress tick.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// NextFire reports when the named schedule fires next.
func (s *Scheduler) NextFire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[name]
	return t, ok
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick fires every schedule whose next fire time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	payload := map[string]any{"at": now.UTC()}
	if depth, err := s.ledger.Depth(ctx); err != nil {
		s.logger.Error("Failed to read in-flight run count", "error", err)
	} else {
		payload["in_flight"] = depth
	}
	s.logger.Debug("Scheduler tick", "in_flight", payload["in_flight"])
	s.events.Publish("scheduler.tick", payload)

	for _, sc := range s.schedules {
		s.mu.Lock()
		due, ok := s.next[sc.Name]
		if ok && now.Before(due) {
			s.mu.Unlock()
			continue
		}
		s.next[sc.Name] = nextFire(now, sc)
		s.mu.Unlock()

		if err := s.fire(ctx, sc); err != nil {
			s.logger.Error("Failed to fire schedule", "schedule", sc.Name, "error", err)
		}
	}

	if s.janitor != nil && s.retention > 0 {
		report, err := s.janitor.Cleanup(ctx, s.retention)
		if err != nil {
			s.logger.Error("Workspace cleanup failed", "error", err)
		} else if report.DeletedRuns > 0 {
			s.logger.Info("Removed old run workspaces", "runs", report.DeletedRuns)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sc config.ScheduleConfig) error {
	ev := trigger.Event{
		Reason:         string(trigger.ReasonSchedule),
		SourceBranch:   sc.Branch,
		RepositoryName: sc.Repository,
	}
	res, err := s.router.Route(ctx, router.Request{Event: ev})
	if errors.Is(err, router.ErrNotTriggered) {
		s.logger.Info("Schedule did not trigger", "schedule", sc.Name, "reason", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("route schedule %s: %w", sc.Name, err)
	}

	data := map[string]any{
		"schedule":  sc.Name,
		"branch":    sc.Branch,
		"plan_id":   res.Plan.ID,
		"submitted": res.Submitted,
	}
	if res.Handle != nil {
		data["run_id"] = res.Handle.RunID()
	}
	if next, ok := s.NextFire(sc.Name); ok {
		data["next_fire"] = next.UTC()
	}
	s.events.Publish("scheduler.fired", data)
	s.logger.Info("Schedule fired",
		"schedule", sc.Name,
		"branch", sc.Branch,
		"plan_id", res.Plan.ID,
		"stages", len(res.Plan.Stages),
		"submitted", res.Submitted,
		"submitted_by", s.serviceName,
	)
	return nil
}

// recoverInterruptedRuns marks runs left running by a previous process.
func (s *Scheduler) recoverInterruptedRuns(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for interrupted runs")

	n, err := s.ledger.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if n == 0 {
		s.logger.Info("No interrupted runs found.")
		return nil
	}
	s.logger.Warn("Marked interrupted runs", "count", n)
	return nil
}

func nextFire(from time.Time, sc config.ScheduleConfig) time.Time {
	base, err := parseScheduleEvery(sc.Every)
	if err != nil {
		// Rejected by config validation; fall back to daily.
		base = 24 * time.Hour
	}
	return from.Add(calculateJitteredInterval(base, sc.Jitter))
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base
// interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}

func parseScheduleEvery(every string) (time.Duration, error) {
	return config.ParseInterval(every)
}
