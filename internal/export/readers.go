package export

import (
	"context"
	"time"
)

// Payload coercion helpers. Provider payloads arrive as decoded JSON, so
// numbers are float64 unless the provider client preserved integers.

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func floatField(payload map[string]any, key string) Value {
	if f, ok := toFloat(payload[key]); ok {
		return Float(f)
	}
	return Null()
}

func intField(payload map[string]any, key string) Value {
	if i, ok := toInt(payload[key]); ok {
		return Int(i)
	}
	return Null()
}

func stringField(payload map[string]any, key string) Value {
	if s := toString(payload[key]); s != "" {
		return String(s)
	}
	return Null()
}

func optFloatValue(f *float64) Value {
	if f == nil {
		return Null()
	}
	return Float(*f)
}

// baseRecord carries the fields every normalized record shares. Interval
// records get start_time/end_time, instantaneous ones get timestamp.
func baseRecord(rec ProviderRecord, interval bool) Record {
	out := Record{
		FieldRecordID: String(rec.ID),
		FieldSource:   String(rec.Source),
	}
	if interval {
		out[FieldStartTime] = timeValue(rec.StartTime)
		out[FieldEndTime] = timeValue(rec.EndTime)
	} else {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = rec.StartTime
		}
		out[FieldTimestamp] = timeValue(ts)
	}
	return out
}

func timeValue(t time.Time) Value {
	if t.IsZero() {
		return Null()
	}
	return String(t.UTC().Format(time.RFC3339))
}

// queryAndNormalize is the shared ReadAll body: query the provider for one
// category and normalize each record through the reader.
func queryAndNormalize(ctx context.Context, provider Provider, reader Reader, start, end time.Time) ([]Record, error) {
	raw, err := provider.Query(ctx, reader.Type(), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, rec := range raw {
		out = append(out, reader.Normalize(rec))
	}
	return out, nil
}

type WeightReader struct {
	provider Provider
}

func NewWeightReader(provider Provider) *WeightReader {
	return &WeightReader{provider: provider}
}

func (r *WeightReader) Type() RecordType { return TypeWeight }

func (r *WeightReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *WeightReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, false)
	out["weight_kg"] = floatField(rec.Payload, "weightKilograms")
	return out
}

type HeightReader struct {
	provider Provider
}

func NewHeightReader(provider Provider) *HeightReader {
	return &HeightReader{provider: provider}
}

func (r *HeightReader) Type() RecordType { return TypeHeight }

func (r *HeightReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *HeightReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, false)
	out["height_meters"] = floatField(rec.Payload, "heightMeters")
	return out
}

type BodyFatReader struct {
	provider Provider
}

func NewBodyFatReader(provider Provider) *BodyFatReader {
	return &BodyFatReader{provider: provider}
}

func (r *BodyFatReader) Type() RecordType { return TypeBodyFat }

func (r *BodyFatReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *BodyFatReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, false)
	out["percentage"] = floatField(rec.Payload, "percentage")
	return out
}

// ExerciseSessionReader filters out sessions shorter than minDuration before
// normalization and enriches surviving sessions with aggregate metrics from a
// secondary provider call. A failed enrichment call degrades to the primary
// record's fields with the aggregate fields null.
type ExerciseSessionReader struct {
	provider    Provider
	minDuration time.Duration
}

func NewExerciseSessionReader(provider Provider, minDuration time.Duration) *ExerciseSessionReader {
	return &ExerciseSessionReader{provider: provider, minDuration: minDuration}
}

func (r *ExerciseSessionReader) Type() RecordType { return TypeExerciseSession }

// Include applies the minimum-duration pre-filter; it runs before
// normalization on both the query path and the change-feed path.
func (r *ExerciseSessionReader) Include(rec ProviderRecord) bool {
	if r.minDuration <= 0 {
		return true
	}
	return rec.EndTime.Sub(rec.StartTime) >= r.minDuration
}

func (r *ExerciseSessionReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	raw, err := r.provider.Query(ctx, r.Type(), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, rec := range raw {
		if !r.Include(rec) {
			continue
		}
		record := r.Normalize(rec)
		if metrics, err := r.provider.Enrich(ctx, rec.ID); err == nil && metrics != nil {
			record["total_distance_meters"] = optFloatValue(metrics.TotalDistanceMeters)
			record["total_calories_kcal"] = optFloatValue(metrics.TotalCaloriesKcal)
			record["avg_heart_rate_bpm"] = optFloatValue(metrics.AvgHeartRateBPM)
			record["min_heart_rate_bpm"] = optFloatValue(metrics.MinHeartRateBPM)
			record["max_heart_rate_bpm"] = optFloatValue(metrics.MaxHeartRateBPM)
		}
		out = append(out, record)
	}
	return out, nil
}

func (r *ExerciseSessionReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["exercise_type"] = stringField(rec.Payload, "exerciseType")
	out["title"] = stringField(rec.Payload, "title")
	out["total_distance_meters"] = Null()
	out["total_calories_kcal"] = Null()
	out["avg_heart_rate_bpm"] = Null()
	out["min_heart_rate_bpm"] = Null()
	out["max_heart_rate_bpm"] = Null()
	return out
}

type SleepSessionReader struct {
	provider Provider
}

func NewSleepSessionReader(provider Provider) *SleepSessionReader {
	return &SleepSessionReader{provider: provider}
}

func (r *SleepSessionReader) Type() RecordType { return TypeSleepSession }

func (r *SleepSessionReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *SleepSessionReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["title"] = stringField(rec.Payload, "title")
	out["notes"] = stringField(rec.Payload, "notes")
	out["stages"] = sleepStages(rec.Payload["stages"])
	return out
}

func sleepStages(v any) Value {
	raw, ok := v.([]any)
	if !ok {
		return List()
	}
	stages := make([]Value, 0, len(raw))
	for _, item := range raw {
		stage, ok := item.(map[string]any)
		if !ok {
			continue
		}
		stages = append(stages, Object(map[string]Value{
			"stage":      stringField(stage, "stage"),
			"start_time": stringField(stage, "startTime"),
			"end_time":   stringField(stage, "endTime"),
		}))
	}
	return List(stages...)
}

type StepsReader struct {
	provider Provider
}

func NewStepsReader(provider Provider) *StepsReader {
	return &StepsReader{provider: provider}
}

func (r *StepsReader) Type() RecordType { return TypeSteps }

func (r *StepsReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *StepsReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["count"] = intField(rec.Payload, "count")
	return out
}

type DistanceReader struct {
	provider Provider
}

func NewDistanceReader(provider Provider) *DistanceReader {
	return &DistanceReader{provider: provider}
}

func (r *DistanceReader) Type() RecordType { return TypeDistance }

func (r *DistanceReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *DistanceReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["distance_meters"] = floatField(rec.Payload, "distanceMeters")
	return out
}

type HeartRateReader struct {
	provider Provider
}

func NewHeartRateReader(provider Provider) *HeartRateReader {
	return &HeartRateReader{provider: provider}
}

func (r *HeartRateReader) Type() RecordType { return TypeHeartRate }

func (r *HeartRateReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *HeartRateReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["samples"] = heartRateSamples(rec.Payload["samples"])
	return out
}

func heartRateSamples(v any) Value {
	raw, ok := v.([]any)
	if !ok {
		return List()
	}
	samples := make([]Value, 0, len(raw))
	for _, item := range raw {
		sample, ok := item.(map[string]any)
		if !ok {
			continue
		}
		samples = append(samples, Object(map[string]Value{
			"time": stringField(sample, "time"),
			"bpm":  intField(sample, "beatsPerMinute"),
		}))
	}
	return List(samples...)
}

type BloodPressureReader struct {
	provider Provider
}

func NewBloodPressureReader(provider Provider) *BloodPressureReader {
	return &BloodPressureReader{provider: provider}
}

func (r *BloodPressureReader) Type() RecordType { return TypeBloodPressure }

func (r *BloodPressureReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *BloodPressureReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, false)
	out["systolic_mmhg"] = floatField(rec.Payload, "systolicMillimetersOfMercury")
	out["diastolic_mmhg"] = floatField(rec.Payload, "diastolicMillimetersOfMercury")
	out["body_position"] = stringField(rec.Payload, "bodyPosition")
	return out
}

type NutritionReader struct {
	provider Provider
}

func NewNutritionReader(provider Provider) *NutritionReader {
	return &NutritionReader{provider: provider}
}

func (r *NutritionReader) Type() RecordType { return TypeNutrition }

func (r *NutritionReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *NutritionReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["meal_type"] = stringField(rec.Payload, "mealType")
	out["calories_kcal"] = floatField(rec.Payload, "energyKilocalories")
	out["protein_grams"] = floatField(rec.Payload, "proteinGrams")
	out["carbs_grams"] = floatField(rec.Payload, "totalCarbohydrateGrams")
	out["fat_grams"] = floatField(rec.Payload, "totalFatGrams")
	return out
}

type HydrationReader struct {
	provider Provider
}

func NewHydrationReader(provider Provider) *HydrationReader {
	return &HydrationReader{provider: provider}
}

func (r *HydrationReader) Type() RecordType { return TypeHydration }

func (r *HydrationReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *HydrationReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, true)
	out["volume_liters"] = floatField(rec.Payload, "volumeLiters")
	return out
}

type OxygenSaturationReader struct {
	provider Provider
}

func NewOxygenSaturationReader(provider Provider) *OxygenSaturationReader {
	return &OxygenSaturationReader{provider: provider}
}

func (r *OxygenSaturationReader) Type() RecordType { return TypeOxygenSaturation }

func (r *OxygenSaturationReader) ReadAll(ctx context.Context, start, end time.Time) ([]Record, error) {
	return queryAndNormalize(ctx, r.provider, r, start, end)
}

func (r *OxygenSaturationReader) Normalize(rec ProviderRecord) Record {
	out := baseRecord(rec, false)
	out["percentage"] = floatField(rec.Payload, "percentage")
	return out
}
