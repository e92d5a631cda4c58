package export

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrRunInFlight         = errors.New("run already in flight")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
)

type RecordType string

const (
	TypeWeight           RecordType = "weight"
	TypeHeight           RecordType = "height"
	TypeBodyFat          RecordType = "body_fat"
	TypeExerciseSession  RecordType = "exercise_session"
	TypeSleepSession     RecordType = "sleep_session"
	TypeSteps            RecordType = "steps"
	TypeDistance         RecordType = "distance"
	TypeHeartRate        RecordType = "heart_rate"
	TypeBloodPressure    RecordType = "blood_pressure"
	TypeNutrition        RecordType = "nutrition"
	TypeHydration        RecordType = "hydration"
	TypeOxygenSaturation RecordType = "oxygen_saturation"
)

// Field names shared by every normalized record. Type-specific fields are
// defined by the individual readers.
const (
	FieldRecordID   = "record_id"
	FieldTimestamp  = "timestamp"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"
	FieldSource     = "source"
	FieldChangeType = "change_type"
)

const ChangeTypeUpsert = "UPSERT"

type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindFloat
	KindInt
	KindBool
	KindList
	KindObject
)

// Value is the closed set of field shapes a normalized record may carry.
// Serialization lives in the document builder, not here.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	i    int64
	b    bool
	list []Value
	obj  map[string]Value
}

func Null() Value                    { return Value{kind: KindNull} }
func String(s string) Value          { return Value{kind: KindString, str: s} }
func Float(f float64) Value          { return Value{kind: KindFloat, num: f} }
func Int(i int64) Value              { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value      { return Value{kind: KindList, list: items} }
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) StringVal() string { return v.str }
func (v Value) FloatVal() float64 { return v.num }
func (v Value) IntVal() int64     { return v.i }
func (v Value) BoolVal() bool     { return v.b }
func (v Value) ListVal() []Value  { return v.list }

func (v Value) ObjectVal() map[string]Value { return v.obj }

// Record is one normalized provider record: a flat field map that always
// contains record_id, a temporal anchor and source.
type Record map[string]Value

func (r Record) ID() string {
	return r[FieldRecordID].StringVal()
}

func (r Record) Clone() Record {
	clone := make(Record, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// ProviderRecord is one raw record as returned by the provider's query or
// change-feed API. Payload carries the type-specific fields; readers own the
// mapping to normalized field names.
type ProviderRecord struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime"`
	Payload   map[string]any `json:"fields"`
}

// AggregateMetrics is the secondary enrichment result for interval sessions.
// Any field may be absent when the provider could not compute it.
type AggregateMetrics struct {
	TotalDistanceMeters *float64 `json:"totalDistanceMeters,omitempty"`
	TotalCaloriesKcal   *float64 `json:"totalCaloriesKcal,omitempty"`
	AvgHeartRateBPM     *float64 `json:"avgHeartRateBpm,omitempty"`
	MinHeartRateBPM     *float64 `json:"minHeartRateBpm,omitempty"`
	MaxHeartRateBPM     *float64 `json:"maxHeartRateBpm,omitempty"`
}

type ChangeKind string

const (
	ChangeUpsert   ChangeKind = "upsert"
	ChangeDeletion ChangeKind = "deletion"
)

// ChangeEvent is one entry of the provider change feed: an upsert with the
// record attached, or a deletion carrying only the record id.
type ChangeEvent struct {
	Kind     ChangeKind      `json:"kind"`
	Record   *ProviderRecord `json:"record,omitempty"`
	RecordID string          `json:"recordId,omitempty"`
}

type ChangeFeed struct {
	Events     []ChangeEvent `json:"events"`
	NextCursor string        `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
	Expired    bool          `json:"expired"`
}

// Provider is the read-side surface of the external data provider.
type Provider interface {
	HasPermissions(ctx context.Context, types []RecordType) (bool, error)
	Query(ctx context.Context, recordType RecordType, start, end time.Time) ([]ProviderRecord, error)
	Enrich(ctx context.Context, recordID string) (*AggregateMetrics, error)
	IssueCursor(ctx context.Context, types []RecordType) (string, error)
	PollChanges(ctx context.Context, cursor string) (ChangeFeed, error)
}

// Cursor is the stored continuation token. SavedAt is diagnostics only and
// never feeds control-flow decisions.
type Cursor struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"savedAt"`
}

// CursorStore persists the cursor across process restarts. Load returning
// (nil, nil) is exactly the bootstrap trigger.
type CursorStore interface {
	Load() (*Cursor, error)
	Save(cursor Cursor) error
	Clear() error
}

type cursorStoreCloser interface {
	Close() error
}

// CloseCursorStore closes the store when its backend holds resources.
func CloseCursorStore(store CursorStore) error {
	if closer, ok := store.(cursorStoreCloser); ok {
		return closer.Close()
	}
	return nil
}
