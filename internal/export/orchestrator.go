package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ModeFull         = "full"
	ModeDifferential = "differential"
	ModeNoop         = "noop"
)

const (
	DefaultLookback        = 30 * 24 * time.Hour
	DefaultReadConcurrency = 4
)

// recordFilter lets a reader apply its domain pre-filter to change-feed
// upserts as well, so a record excluded from full exports is excluded from
// differential ones too.
type recordFilter interface {
	Include(rec ProviderRecord) bool
}

type OrchestratorOptions struct {
	Provider    Provider
	Registry    *Registry
	CursorStore CursorStore
	Sink        DeliverySink

	// Lookback bounds the bootstrap read window; the window end is always
	// the invocation time.
	Lookback        time.Duration
	ReadConcurrency int

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator drives one export invocation at a time. It assumes the caller
// guarantees at most one in-flight invocation (the schedule package's single
// job slot), so it never guards against concurrent runs racing on the cursor
// store.
type Orchestrator struct {
	provider        Provider
	registry        *Registry
	cursors         CursorStore
	sink            DeliverySink
	lookback        time.Duration
	readConcurrency int
	metrics         *Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// RunReport summarizes one invocation for operators and tests.
type RunReport struct {
	RunID        string             `json:"runId"`
	Mode         string             `json:"mode"`
	StartedAt    time.Time          `json:"startedAt"`
	FinishedAt   time.Time          `json:"finishedAt"`
	Records      map[RecordType]int `json:"records"`
	Deletions    int                `json:"deletions"`
	Bootstrapped bool               `json:"bootstrapped"`
	CursorSaved  bool               `json:"cursorSaved"`
	Error        string             `json:"error,omitempty"`
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Provider == nil || opts.Registry == nil || opts.CursorStore == nil || opts.Sink == nil {
		return nil, fmt.Errorf("%w: provider, registry, cursor store and sink are required", ErrInvalidInput)
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.ReadConcurrency <= 0 {
		opts.ReadConcurrency = DefaultReadConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		provider:        opts.Provider,
		registry:        opts.Registry,
		cursors:         opts.CursorStore,
		sink:            opts.Sink,
		lookback:        opts.Lookback,
		readConcurrency: opts.ReadConcurrency,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		now:             opts.Now,
	}, nil
}

// RunOnce is the single entry point for both scheduled and manual triggers.
// Absence of a stored cursor selects the bootstrap (full) path; presence
// selects the incremental path, with an in-invocation fallback to bootstrap
// when the provider rejects the cursor as expired.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunReport, error) {
	started := o.now()
	report := RunReport{
		RunID:     uuid.NewString(),
		Mode:      ModeNoop,
		StartedAt: started,
		Records:   map[RecordType]int{},
	}
	logger := o.logger.With("run_id", report.RunID)

	err := o.run(ctx, logger, &report)
	report.FinishedAt = o.now()
	if err != nil {
		report.Error = err.Error()
	}
	o.metrics.ObserveRun(report.Mode, outcomeFor(err), report.FinishedAt.Sub(started))
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, report *RunReport) error {
	types := o.registry.Types()
	if len(types) == 0 {
		return fmt.Errorf("%w: no record types registered", ErrInvalidInput)
	}

	granted, err := o.provider.HasPermissions(ctx, types)
	if err != nil {
		return fmt.Errorf("%w: checking permissions: %v", ErrProviderUnavailable, err)
	}
	if !granted {
		return fmt.Errorf("%w: read permission missing for tracked record types", ErrPermissionDenied)
	}

	cursor, err := o.cursors.Load()
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}
	if cursor == nil {
		logger.Info("no stored cursor, running bootstrap export")
		return o.runBootstrap(ctx, logger, report)
	}
	return o.runIncremental(ctx, logger, cursor.Token, report)
}

func (o *Orchestrator) runBootstrap(ctx context.Context, logger *slog.Logger, report *RunReport) error {
	report.Mode = ModeFull
	report.Bootstrapped = true

	end := o.now()
	start := end.Add(-o.lookback)
	types := o.registry.Types()
	records := o.readAllTypes(ctx, logger, start, end)

	token, err := o.provider.IssueCursor(ctx, types)
	if err != nil {
		return fmt.Errorf("%w: issuing cursor: %v", ErrProviderUnavailable, err)
	}

	doc := BuildFull(o.now(), types, records, token)
	return o.deliverAndAdvance(ctx, logger, doc, report)
}

func (o *Orchestrator) runIncremental(ctx context.Context, logger *slog.Logger, token string, report *RunReport) error {
	report.Mode = ModeDifferential

	upserts := map[RecordType]map[string]Record{}
	deletions := map[string]struct{}{}
	current := token
	for {
		feed, err := o.provider.PollChanges(ctx, current)
		if err != nil {
			return fmt.Errorf("%w: polling changes: %v", ErrProviderUnavailable, err)
		}
		if feed.Expired {
			// Provider-side cursor expiry is equivalent to having no cursor
			// at all: clear and re-enter bootstrap within this invocation.
			logger.Warn("change cursor rejected as expired, falling back to full export")
			o.metrics.RecordCursorFallback()
			if err := o.cursors.Clear(); err != nil {
				return fmt.Errorf("clearing expired cursor: %w", err)
			}
			return o.runBootstrap(ctx, logger, report)
		}
		for _, event := range feed.Events {
			o.applyChangeEvent(logger, event, upserts, deletions)
		}
		if feed.NextCursor != "" {
			current = feed.NextCursor
		}
		if !feed.HasMore {
			break
		}
	}

	if !hasChanges(upserts, deletions) {
		// No document, but the cursor must still advance or the same empty
		// window would be re-scanned forever.
		report.Mode = ModeNoop
		if err := o.cursors.Save(Cursor{Token: current, SavedAt: o.now()}); err != nil {
			return fmt.Errorf("saving cursor: %w", err)
		}
		report.CursorSaved = true
		logger.Info("change feed empty, cursor advanced without export")
		return nil
	}

	flat := make(map[RecordType][]Record, len(upserts))
	for rt, byID := range upserts {
		for _, rec := range byID {
			flat[rt] = append(flat[rt], rec)
		}
	}
	doc := BuildDifferential(o.now(), o.registry.Types(), flat, deletionIDs(deletions), current)
	return o.deliverAndAdvance(ctx, logger, doc, report)
}

func (o *Orchestrator) applyChangeEvent(logger *slog.Logger, event ChangeEvent, upserts map[RecordType]map[string]Record, deletions map[string]struct{}) {
	switch event.Kind {
	case ChangeUpsert:
		if event.Record == nil || event.Record.ID == "" {
			logger.Warn("skipping upsert event without record")
			return
		}
		rt := RecordType(event.Record.Type)
		reader, ok := o.registry.Reader(rt)
		if !ok {
			logger.Warn("skipping change for unregistered record category", "category", event.Record.Type)
			return
		}
		if filter, ok := reader.(recordFilter); ok && !filter.Include(*event.Record) {
			return
		}
		if upserts[rt] == nil {
			upserts[rt] = map[string]Record{}
		}
		upserts[rt][event.Record.ID] = reader.Normalize(*event.Record)
		delete(deletions, event.Record.ID)
	case ChangeDeletion:
		if event.RecordID == "" {
			logger.Warn("skipping deletion event without record id")
			return
		}
		// Deletion wins over an earlier upsert of the same id: the feed
		// delivers events in provider-assigned order.
		deletions[event.RecordID] = struct{}{}
		for _, byID := range upserts {
			delete(byID, event.RecordID)
		}
	default:
		logger.Warn("skipping change event of unknown kind", "kind", string(event.Kind))
	}
}

// readAllTypes fans the per-type reads out over a bounded worker pool.
// Adapters share no mutable state and each failure degrades to an empty
// result for that type only.
func (o *Orchestrator) readAllTypes(ctx context.Context, logger *slog.Logger, start, end time.Time) map[RecordType][]Record {
	types := o.registry.Types()
	results := make(map[RecordType][]Record, len(types))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.readConcurrency)
	for _, rt := range types {
		reader, ok := o.registry.Reader(rt)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(rt RecordType, reader Reader) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			records, err := reader.ReadAll(ctx, start, end)
			if err != nil {
				logger.Warn("type read failed, exporting empty section", "record_type", string(rt), "error", err.Error())
				o.metrics.RecordReaderFailure(rt)
				records = nil
			}
			mu.Lock()
			results[rt] = records
			mu.Unlock()
		}(rt, reader)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) deliverAndAdvance(ctx context.Context, logger *slog.Logger, doc *ExportDocument, report *RunReport) error {
	if _, err := doc.Encode(); err != nil {
		return err
	}
	if err := o.sink.Deliver(ctx, doc); err != nil {
		o.metrics.RecordDeliveryFailure()
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if err := o.cursors.Save(Cursor{Token: doc.Cursor, SavedAt: o.now()}); err != nil {
		return fmt.Errorf("saving cursor after delivery: %w", err)
	}
	report.CursorSaved = true
	for _, section := range doc.Sections {
		report.Records[section.Type] = section.Count
		o.metrics.AddRecords(section.Type, section.Count)
	}
	if doc.Deletions != nil {
		report.Deletions = doc.Deletions.Count
		o.metrics.AddDeletions(doc.Deletions.Count)
	}
	logger.Info("export document delivered",
		"mode", report.Mode,
		"records", doc.RecordCount(),
		"deletions", report.Deletions)
	return nil
}

func hasChanges(upserts map[RecordType]map[string]Record, deletions map[string]struct{}) bool {
	if len(deletions) > 0 {
		return true
	}
	for _, byID := range upserts {
		if len(byID) > 0 {
			return true
		}
	}
	return false
}

func deletionIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "error"
	}
}
