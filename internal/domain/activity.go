package domain

import (
	"fmt"
	"time"
)

// Metric names used in exercise multiplier maps and condition fields.
const (
	MetricReps      = "reps"
	MetricSets      = "sets"
	MetricWeight    = "weight"
	MetricDuration  = "duration"
	MetricDistance  = "distance"
	MetricElevation = "elevation"
)

// KnownMetrics lists every metric an exercise multiplier map may reference.
var KnownMetrics = []string{
	MetricReps, MetricSets, MetricWeight,
	MetricDuration, MetricDistance, MetricElevation,
}

// ActivityRecord is a single logged workout activity.
// It is produced by an external ingestion collaborator with validated,
// non-negative metrics and is immutable once created.
type ActivityRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ExerciseKey string    `json:"exerciseKey"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`

	Metrics ActivityMetrics `json:"metrics"`

	CreatedAt time.Time `json:"createdAt"`
}

// ActivityMetrics holds the raw measurements of an activity.
// Reps and WeightsKg are per-set slices; the rest are activity totals.
type ActivityMetrics struct {
	Sets           int       `json:"sets"`
	Reps           []int     `json:"reps,omitempty"`
	WeightsKg      []float64 `json:"weightsKg,omitempty"`
	DurationS      float64   `json:"durationS,omitempty"`
	DistanceM      float64   `json:"distanceM,omitempty"`
	ElevationGainM float64   `json:"elevationGainM,omitempty"`
}

// TotalReps returns the rep count summed across sets.
func (m ActivityMetrics) TotalReps() int {
	total := 0
	for _, r := range m.Reps {
		total += r
	}
	return total
}

// TotalWeightKg returns the per-set weights summed.
func (m ActivityMetrics) TotalWeightKg() float64 {
	var total float64
	for _, w := range m.WeightsKg {
		total += w
	}
	return total
}

// MaxWeightKg returns the heaviest single-set weight.
func (m ActivityMetrics) MaxWeightKg() float64 {
	var max float64
	for _, w := range m.WeightsKg {
		if w > max {
			max = w
		}
	}
	return max
}

// MetricTotals maps each known metric name to its total for this activity.
// These are the values the calculation engine multiplies against an
// exercise's per-metric multipliers.
func (m ActivityMetrics) MetricTotals() map[string]float64 {
	return map[string]float64{
		MetricReps:      float64(m.TotalReps()),
		MetricSets:      float64(m.Sets),
		MetricWeight:    m.TotalWeightKg(),
		MetricDuration:  m.DurationS,
		MetricDistance:  m.DistanceM,
		MetricElevation: m.ElevationGainM,
	}
}

// ActivityRequest is the API request payload for activity calculation.
type ActivityRequest struct {
	UserID      string          `json:"userId"`
	ExerciseKey string          `json:"exerciseKey"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Metrics     ActivityMetrics `json:"metrics"`
}

// Validate checks the request for structural problems before any
// calculation work starts.
func (r *ActivityRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if r.ExerciseKey == "" {
		return fmt.Errorf("%w: exerciseKey is required", ErrInvalidInput)
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("%w: startedAt is required", ErrInvalidInput)
	}
	if r.Metrics.Sets < 0 || r.Metrics.DurationS < 0 || r.Metrics.DistanceM < 0 || r.Metrics.ElevationGainM < 0 {
		return fmt.Errorf("%w: metrics must be non-negative", ErrInvalidInput)
	}
	for _, reps := range r.Metrics.Reps {
		if reps < 0 {
			return fmt.Errorf("%w: rep counts must be non-negative", ErrInvalidInput)
		}
	}
	for _, w := range r.Metrics.WeightsKg {
		if w < 0 {
			return fmt.Errorf("%w: weights must be non-negative", ErrInvalidInput)
		}
	}
	return nil
}

// ToActivity converts a request to an ActivityRecord domain object.
func (r *ActivityRequest) ToActivity(id string) *ActivityRecord {
	return &ActivityRecord{
		ID:          id,
		UserID:      r.UserID,
		ExerciseKey: r.ExerciseKey,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Metrics:     r.Metrics,
		CreatedAt:   time.Now().UTC(),
	}
}
