// Package scheduler runs the program's declared schedules: each entry pairs a
// cron expression with a flow, and due entries are started on a background
// tick loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomlang/loom/internal/engine"
	"github.com/loomlang/loom/internal/program"
)

// FlowRunner is the interface the scheduler uses to run flows. Satisfied by
// the engine.
type FlowRunner interface {
	RunFlow(ctx context.Context, flowName string, ec engine.ExecutionContext) (*engine.FlowRunResult, error)
}

// entry is a compiled schedule with its next due time.
type entry struct {
	id       string
	schedule cron.Schedule
	flow     string
	vars     map[string]any
	nextRun  time.Time
}

// Scheduler ticks over the program's schedules and runs due flows.
type Scheduler struct {
	runner   FlowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	entries []*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry IDs currently executing (dedup)
}

// New compiles the schedules and creates a Scheduler. Invalid cron
// expressions fail here, before the loop starts.
func New(runner FlowRunner, schedules []program.Schedule, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		inflight: make(map[string]struct{}),
	}

	now := time.Now().UTC()
	for i, sched := range schedules {
		compiled, err := s.parser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", sched.Cron, err)
		}
		s.entries = append(s.entries, &entry{
			id:       fmt.Sprintf("%s#%d", sched.Flow, i),
			schedule: compiled,
			flow:     sched.Flow,
			vars:     sched.Vars,
			nextRun:  compiled.Next(now),
		})
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.entries)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due entry and advances its next-run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, e := range s.entries {
		if e.nextRun.After(now) {
			continue
		}
		e.nextRun = e.schedule.Next(now)
		if !s.tryAcquire(e.id) {
			continue // previous run still executing (dedup)
		}
		go func(e *entry) {
			defer s.release(e.id)
			s.runEntry(ctx, e)
		}(e)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *entry) {
	s.logger.Info("running scheduled flow", slog.String("flow", e.flow))

	result, err := s.runner.RunFlow(ctx, e.flow, engine.ExecutionContext{Vars: e.vars})
	if err != nil {
		s.logger.Error("scheduled flow failed to start",
			slog.String("flow", e.flow),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(result.Errors) > 0 {
		s.logger.Error("scheduled flow run failed",
			slog.String("flow", e.flow),
			slog.String("run_id", result.RunID),
			slog.String("error", result.Errors[0].Error()),
		)
		return
	}
	s.logger.Info("scheduled flow run completed",
		slog.String("flow", e.flow),
		slog.String("run_id", result.RunID),
		slog.Int("steps", len(result.Steps)),
	)
}

// tryAcquire returns true and marks the entry as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next run time of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
