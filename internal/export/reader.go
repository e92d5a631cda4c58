package export

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Reader is the per-type adapter: it knows how to query its record category
// over a time window and how to flatten one provider record into the uniform
// Record shape. Normalize must succeed for every documented payload shape of
// its type; absent optional fields become null values.
type Reader interface {
	Type() RecordType
	ReadAll(ctx context.Context, start, end time.Time) ([]Record, error)
	Normalize(rec ProviderRecord) Record
}

// Registry holds the closed set of tracked record types. The orchestrator
// only ever enumerates types through it, so adding a type is a single
// Register call.
type Registry struct {
	mu      sync.RWMutex
	readers map[RecordType]Reader
}

func NewRegistry(readers ...Reader) *Registry {
	r := &Registry{readers: map[RecordType]Reader{}}
	for _, reader := range readers {
		r.Register(reader)
	}
	return r
}

func (r *Registry) Register(reader Reader) {
	if reader == nil || reader.Type() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[reader.Type()] = reader
}

// Types returns the tracked types in stable (sorted) order.
func (r *Registry) Types() []RecordType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecordType, 0, len(r.readers))
	for rt := range r.readers {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Reader(rt RecordType) (Reader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.readers[rt]
	return reader, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readers)
}

// ReaderOptions tunes domain policies applied by individual readers.
type ReaderOptions struct {
	// MinSessionDuration filters exercise sessions shorter than this before
	// normalization. Zero or negative disables the filter.
	MinSessionDuration time.Duration
}

const DefaultMinSessionDuration = time.Minute

// DefaultRegistry registers a reader for every tracked record type.
func DefaultRegistry(provider Provider, opts ReaderOptions) *Registry {
	if opts.MinSessionDuration == 0 {
		opts.MinSessionDuration = DefaultMinSessionDuration
	}
	return NewRegistry(
		NewWeightReader(provider),
		NewHeightReader(provider),
		NewBodyFatReader(provider),
		NewExerciseSessionReader(provider, opts.MinSessionDuration),
		NewSleepSessionReader(provider),
		NewStepsReader(provider),
		NewDistanceReader(provider),
		NewHeartRateReader(provider),
		NewBloodPressureReader(provider),
		NewNutritionReader(provider),
		NewHydrationReader(provider),
		NewOxygenSaturationReader(provider),
	)
}
