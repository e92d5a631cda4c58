package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vitalworks/vitalexport/internal/export"
)

// Scheduler fires export runs on a cron expression. An empty expression
// disables scheduling entirely; runs then only happen via manual trigger.
type Scheduler struct {
	coordinator *Coordinator
	logger      *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	running bool
}

func NewScheduler(coordinator *Coordinator, logger *slog.Logger) (*Scheduler, error) {
	if coordinator == nil {
		return nil, export.ErrInvalidInput
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		coordinator: coordinator,
		logger:      logger,
	}, nil
}

// Start begins firing runs on the given cron expression. Standard five-field
// syntax, e.g. "*/15 * * * *" for every fifteen minutes.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	if spec == "" {
		s.logger.Info("export schedule not configured, manual triggers only")
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}

	s.cron = cron.New()
	entry, err := s.cron.AddFunc(spec, func() {
		s.coordinator.RunScheduled(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule export runs: %w", err)
	}
	s.entry = entry
	s.spec = spec
	s.cron.Start()
	s.running = true
	s.logger.Info("export scheduler started", "schedule", spec)
	return nil
}

// Reschedule swaps the cron expression at runtime. Passing the current
// expression is a no-op; passing "" stops scheduled runs.
func (s *Scheduler) Reschedule(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == s.spec {
		return nil
	}
	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
		}
	}

	if s.running {
		s.cron.Remove(s.entry)
		if spec == "" {
			stopCtx := s.cron.Stop()
			<-stopCtx.Done()
			s.cron = nil
			s.running = false
			s.spec = ""
			s.logger.Info("export scheduler disabled")
			return nil
		}
		entry, err := s.cron.AddFunc(spec, func() {
			s.coordinator.RunScheduled(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule export runs: %w", err)
		}
		s.entry = entry
		s.spec = spec
		s.logger.Info("export schedule updated", "schedule", spec)
		return nil
	}

	// Was disabled, now enabling.
	s.cron = cron.New()
	entry, err := s.cron.AddFunc(spec, func() {
		s.coordinator.RunScheduled(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule export runs: %w", err)
	}
	s.entry = entry
	s.spec = spec
	s.cron.Start()
	s.running = true
	s.logger.Info("export scheduler started", "schedule", spec)
	return nil
}

// Stop halts scheduling and waits for an in-flight fire to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.running = false
	s.logger.Info("export scheduler stopped")
}

// NextRun reports when the next scheduled run fires, or nil when disabled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entry := s.cron.Entry(s.entry)
	if entry.ID == 0 {
		return nil
	}
	next := entry.Next
	return &next
}
