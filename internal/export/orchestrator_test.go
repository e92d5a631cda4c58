package export

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeProvider struct {
	granted    bool
	permErr    error
	records    map[RecordType][]ProviderRecord
	queryErr   map[RecordType]error
	aggregates map[string]*AggregateMetrics
	enrichErr  error
	issueToken string
	issueErr   error
	feeds      []ChangeFeed
	pollErr    error

	feedIndex  int
	polledWith []string
}

func (p *fakeProvider) HasPermissions(ctx context.Context, types []RecordType) (bool, error) {
	return p.granted, p.permErr
}

func (p *fakeProvider) Query(ctx context.Context, recordType RecordType, start, end time.Time) ([]ProviderRecord, error) {
	if err := p.queryErr[recordType]; err != nil {
		return nil, err
	}
	return p.records[recordType], nil
}

func (p *fakeProvider) Enrich(ctx context.Context, recordID string) (*AggregateMetrics, error) {
	if p.enrichErr != nil {
		return nil, p.enrichErr
	}
	return p.aggregates[recordID], nil
}

func (p *fakeProvider) IssueCursor(ctx context.Context, types []RecordType) (string, error) {
	if p.issueErr != nil {
		return "", p.issueErr
	}
	return p.issueToken, nil
}

func (p *fakeProvider) PollChanges(ctx context.Context, cursor string) (ChangeFeed, error) {
	p.polledWith = append(p.polledWith, cursor)
	if p.pollErr != nil {
		return ChangeFeed{}, p.pollErr
	}
	if p.feedIndex >= len(p.feeds) {
		return ChangeFeed{NextCursor: cursor}, nil
	}
	feed := p.feeds[p.feedIndex]
	p.feedIndex++
	return feed, nil
}

type captureSink struct {
	docs []*ExportDocument
	err  error
}

func (s *captureSink) Deliver(ctx context.Context, doc *ExportDocument) error {
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, doc)
	return nil
}

func newTestOrchestrator(t *testing.T, provider *fakeProvider, store CursorStore, sink DeliverySink) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorOptions{
		Provider:    provider,
		Registry:    DefaultRegistry(provider, ReaderOptions{MinSessionDuration: time.Minute}),
		CursorStore: store,
		Sink:        sink,
	})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	return orch
}

func weightProviderRecord(id string, kg float64) ProviderRecord {
	return ProviderRecord{
		ID:        id,
		Type:      string(TypeWeight),
		Source:    "scale-app",
		Timestamp: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"weightKilograms": kg},
	}
}

func TestRunOnceBootstrapsWhenNoCursorStored(t *testing.T) {
	provider := &fakeProvider{
		granted: true,
		records: map[RecordType][]ProviderRecord{
			TypeWeight: {weightProviderRecord("w1", 81.5)},
		},
		issueToken: "cur_1",
	}
	store := NewMemoryCursorStore()
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("bootstrap run failed: %v", err)
	}
	if report.Mode != ModeFull || !report.Bootstrapped {
		t.Fatalf("expected bootstrap full run, got mode=%s bootstrapped=%v", report.Mode, report.Bootstrapped)
	}
	if !report.CursorSaved {
		t.Fatalf("expected cursor to be saved after delivery")
	}
	if len(sink.docs) != 1 {
		t.Fatalf("expected 1 delivered document, got %d", len(sink.docs))
	}
	doc := sink.docs[0]
	if doc.ExportType != ExportTypeFull {
		t.Fatalf("expected FULL document, got %s", doc.ExportType)
	}
	if len(doc.Sections) != 12 {
		t.Fatalf("expected a section for every tracked type, got %d", len(doc.Sections))
	}
	if report.Records[TypeWeight] != 1 {
		t.Fatalf("expected 1 weight record, got %d", report.Records[TypeWeight])
	}

	cursor, err := store.Load()
	if err != nil {
		t.Fatalf("load cursor failed: %v", err)
	}
	if cursor == nil || cursor.Token != "cur_1" {
		t.Fatalf("expected stored cursor cur_1, got %+v", cursor)
	}
}

func TestRunOnceEmptyChangeFeedStillAdvancesCursor(t *testing.T) {
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{NextCursor: "cur_2", HasMore: false},
		},
	}
	store := NewMemoryCursorStore()
	if err := store.Save(Cursor{Token: "cur_1", SavedAt: time.Now()}); err != nil {
		t.Fatalf("seed cursor failed: %v", err)
	}
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("no-op run failed: %v", err)
	}
	if report.Mode != ModeNoop {
		t.Fatalf("expected noop mode, got %s", report.Mode)
	}
	if len(sink.docs) != 0 {
		t.Fatalf("expected no delivery on empty feed, got %d documents", len(sink.docs))
	}
	cursor, _ := store.Load()
	if cursor == nil || cursor.Token != "cur_2" {
		t.Fatalf("expected cursor to advance to cur_2, got %+v", cursor)
	}
}

func TestRunOnceDifferentialDeletionWinsOverUpsert(t *testing.T) {
	upserted := weightProviderRecord("w1", 82.0)
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{
				Events: []ChangeEvent{
					{Kind: ChangeUpsert, Record: &upserted},
					{Kind: ChangeDeletion, RecordID: "w1"},
					{Kind: ChangeDeletion, RecordID: "w9"},
				},
				NextCursor: "cur_2",
			},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_1"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("differential run failed: %v", err)
	}
	if report.Mode != ModeDifferential {
		t.Fatalf("expected differential mode, got %s", report.Mode)
	}
	if len(sink.docs) != 1 {
		t.Fatalf("expected 1 delivered document, got %d", len(sink.docs))
	}
	doc := sink.docs[0]
	if doc.Deletions == nil || doc.Deletions.Count != 2 {
		t.Fatalf("expected 2 deletions, got %+v", doc.Deletions)
	}
	if doc.RecordCount() != 0 {
		t.Fatalf("expected deleted record excluded from upserts, got %d records", doc.RecordCount())
	}
}

func TestRunOnceDifferentialLastUpsertWins(t *testing.T) {
	first := weightProviderRecord("w1", 82.0)
	second := weightProviderRecord("w1", 83.5)
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{
				Events: []ChangeEvent{
					{Kind: ChangeUpsert, Record: &first},
					{Kind: ChangeUpsert, Record: &second},
				},
				NextCursor: "cur_2",
			},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_1"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	if _, err := orch.RunOnce(context.Background()); err != nil {
		t.Fatalf("differential run failed: %v", err)
	}
	doc := sink.docs[0]
	var weightSection *Section
	for i := range doc.Sections {
		if doc.Sections[i].Type == TypeWeight {
			weightSection = &doc.Sections[i]
		}
	}
	if weightSection == nil || weightSection.Count != 1 {
		t.Fatalf("expected single collapsed weight record, got %+v", weightSection)
	}
	if got := weightSection.Data[0]["weight_kg"].FloatVal(); got != 83.5 {
		t.Fatalf("expected last upsert to win, got weight %v", got)
	}
}

func TestRunOnceFollowsChangeFeedPagination(t *testing.T) {
	rec := weightProviderRecord("w1", 80.0)
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{Events: []ChangeEvent{{Kind: ChangeUpsert, Record: &rec}}, NextCursor: "cur_2", HasMore: true},
			{NextCursor: "cur_3", HasMore: false},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_1"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	if _, err := orch.RunOnce(context.Background()); err != nil {
		t.Fatalf("paginated run failed: %v", err)
	}
	if len(provider.polledWith) != 2 || provider.polledWith[1] != "cur_2" {
		t.Fatalf("expected second poll with cur_2, got %v", provider.polledWith)
	}
	cursor, _ := store.Load()
	if cursor == nil || cursor.Token != "cur_3" {
		t.Fatalf("expected final cursor cur_3, got %+v", cursor)
	}
}

func TestRunOnceExpiredCursorFallsBackToFullExport(t *testing.T) {
	provider := &fakeProvider{
		granted: true,
		records: map[RecordType][]ProviderRecord{
			TypeWeight: {weightProviderRecord("w1", 79.0)},
		},
		issueToken: "cur_fresh",
		feeds: []ChangeFeed{
			{Expired: true},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_stale"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("fallback run failed: %v", err)
	}
	if report.Mode != ModeFull || !report.Bootstrapped {
		t.Fatalf("expected full fallback in the same invocation, got mode=%s", report.Mode)
	}
	if len(sink.docs) != 1 || sink.docs[0].ExportType != ExportTypeFull {
		t.Fatalf("expected one FULL document, got %d", len(sink.docs))
	}
	cursor, _ := store.Load()
	if cursor == nil || cursor.Token != "cur_fresh" {
		t.Fatalf("expected fresh cursor after fallback, got %+v", cursor)
	}
}

func TestRunOnceDeliveryFailureDoesNotAdvanceCursor(t *testing.T) {
	provider := &fakeProvider{
		granted:    true,
		issueToken: "cur_1",
	}
	store := NewMemoryCursorStore()
	sink := &captureSink{err: errors.New("consumer down")}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if report.CursorSaved {
		t.Fatalf("cursor must not be saved when delivery fails")
	}
	cursor, _ := store.Load()
	if cursor != nil {
		t.Fatalf("expected no stored cursor after failed delivery, got %+v", cursor)
	}
}

func TestRunOnceRetriesFullExportAfterFailedBootstrap(t *testing.T) {
	provider := &fakeProvider{
		granted:    true,
		issueToken: "cur_1",
	}
	store := NewMemoryCursorStore()
	sink := &captureSink{err: errors.New("consumer down")}
	orch := newTestOrchestrator(t, provider, store, sink)

	if _, err := orch.RunOnce(context.Background()); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected first run to fail delivery, got %v", err)
	}

	sink.err = nil
	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Mode != ModeFull {
		t.Fatalf("expected second run to bootstrap again, got %s", report.Mode)
	}
}

func TestRunOncePermissionDenied(t *testing.T) {
	provider := &fakeProvider{granted: false}
	store := NewMemoryCursorStore()
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	_, err := orch.RunOnce(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if len(sink.docs) != 0 {
		t.Fatalf("expected no delivery on permission failure")
	}
}

func TestRunOncePermissionCheckFailure(t *testing.T) {
	provider := &fakeProvider{permErr: errors.New("timeout")}
	orch := newTestOrchestrator(t, provider, NewMemoryCursorStore(), &captureSink{})

	_, err := orch.RunOnce(context.Background())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestRunOnceReaderFailureIsolatedToItsType(t *testing.T) {
	provider := &fakeProvider{
		granted: true,
		records: map[RecordType][]ProviderRecord{
			TypeWeight: {weightProviderRecord("w1", 80.0)},
		},
		queryErr: map[RecordType]error{
			TypeSteps: fmt.Errorf("steps endpoint down"),
		},
		issueToken: "cur_1",
	}
	store := NewMemoryCursorStore()
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run should survive a single failing type: %v", err)
	}
	if report.Records[TypeWeight] != 1 {
		t.Fatalf("expected weight record despite steps failure")
	}
	if report.Records[TypeSteps] != 0 {
		t.Fatalf("expected empty steps section, got %d", report.Records[TypeSteps])
	}
	if len(sink.docs[0].Sections) != 12 {
		t.Fatalf("failing type must still get a section")
	}
}

func TestRunOnceDifferentialSkipsShortExerciseSessions(t *testing.T) {
	short := ProviderRecord{
		ID:        "ex_short",
		Type:      string(TypeExerciseSession),
		Source:    "tracker",
		StartTime: time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 10, 7, 0, 30, 0, time.UTC),
		Payload:   map[string]any{"exerciseType": "running"},
	}
	long := ProviderRecord{
		ID:        "ex_long",
		Type:      string(TypeExerciseSession),
		Source:    "tracker",
		StartTime: time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"exerciseType": "running"},
	}
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{
				Events: []ChangeEvent{
					{Kind: ChangeUpsert, Record: &short},
					{Kind: ChangeUpsert, Record: &long},
				},
				NextCursor: "cur_2",
			},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_1"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("differential run failed: %v", err)
	}
	if report.Records[TypeExerciseSession] != 1 {
		t.Fatalf("expected short session filtered out, got %d sessions", report.Records[TypeExerciseSession])
	}
}

func TestRunOnceSkipsChangesForUnknownCategory(t *testing.T) {
	unknown := ProviderRecord{ID: "x1", Type: "blood_glucose"}
	provider := &fakeProvider{
		granted: true,
		feeds: []ChangeFeed{
			{
				Events: []ChangeEvent{
					{Kind: ChangeUpsert, Record: &unknown},
				},
				NextCursor: "cur_2",
			},
		},
	}
	store := NewMemoryCursorStore()
	_ = store.Save(Cursor{Token: "cur_1"})
	sink := &captureSink{}
	orch := newTestOrchestrator(t, provider, store, sink)

	report, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Mode != ModeNoop {
		t.Fatalf("unknown category alone should leave a noop run, got %s", report.Mode)
	}
	cursor, _ := store.Load()
	if cursor == nil || cursor.Token != "cur_2" {
		t.Fatalf("cursor should still advance, got %+v", cursor)
	}
}
