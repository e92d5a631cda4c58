// Package schedule drives export runs: a coordinator that serializes runs
// into a single slot, and a cron scheduler that fires them.
package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/vitalworks/vitalexport/internal/export"
)

const defaultHistorySize = 32

// Runner is the slice of the orchestrator the coordinator needs.
type Runner interface {
	RunOnce(ctx context.Context) (export.RunReport, error)
}

type CoordinatorOptions struct {
	Runner      Runner
	Metrics     *export.Metrics
	Logger      *slog.Logger
	HistorySize int
}

// Coordinator owns the single run slot. At most one export runs at a time;
// a scheduled fire that lands while a run is in flight is dropped, and a
// manual trigger reports ErrRunInFlight to its caller.
type Coordinator struct {
	runner      Runner
	metrics     *export.Metrics
	logger      *slog.Logger
	historySize int

	mu      sync.Mutex
	busy    bool
	last    *export.RunReport
	history []export.RunReport
	dropped uint64
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Runner == nil {
		return nil, export.ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Coordinator{
		runner:      opts.Runner,
		metrics:     opts.Metrics,
		logger:      logger,
		historySize: historySize,
	}, nil
}

// TriggerNow claims the run slot and executes a run synchronously. It
// returns ErrRunInFlight without running when another run holds the slot.
func (c *Coordinator) TriggerNow(ctx context.Context) (export.RunReport, error) {
	if !c.acquire() {
		return export.RunReport{}, export.ErrRunInFlight
	}
	defer c.release()
	return c.execute(ctx)
}

// RunScheduled is the cron entry point. A drop is logged and counted, never
// an error: the next scheduled fire will pick up whatever this one missed.
func (c *Coordinator) RunScheduled(ctx context.Context) {
	if !c.acquire() {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.metrics.RecordDroppedTrigger()
		c.logger.Warn("scheduled export skipped, previous run still in flight")
		return
	}
	defer c.release()
	if _, err := c.execute(ctx); err != nil {
		c.logger.Error("scheduled export failed", "error", err)
	}
}

func (c *Coordinator) execute(ctx context.Context) (export.RunReport, error) {
	report, err := c.runner.RunOnce(ctx)
	c.mu.Lock()
	c.last = &report
	c.history = append(c.history, report)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
	c.mu.Unlock()
	return report, err
}

func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Status is a point-in-time snapshot served by the control API.
type Status struct {
	Busy            bool               `json:"busy"`
	DroppedTriggers uint64             `json:"droppedTriggers"`
	LastRun         *export.RunReport  `json:"lastRun,omitempty"`
	History         []export.RunReport `json:"history,omitempty"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Busy:            c.busy,
		DroppedTriggers: c.dropped,
	}
	if c.last != nil {
		last := *c.last
		st.LastRun = &last
	}
	if len(c.history) > 0 {
		st.History = make([]export.RunReport, len(c.history))
		copy(st.History, c.history)
	}
	return st
}
