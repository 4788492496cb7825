// Package fraud runs a fixed battery of plausibility checks over an
// activity and its calculation. Flags annotate the calculation for
// review; they never gate it and never change the point total.
package fraud

import (
	"fmt"

	"github.com/fitstack/tally/internal/domain"
)

// Check identifiers.
const (
	CheckWeightCeiling   = "weight_per_rep_ceiling"
	CheckImplausiblePace = "implausible_pace"
	CheckVolumeMismatch  = "volume_duration_mismatch"
	CheckClimbRate       = "climb_rate_ceiling"
	CheckTimestampOrder  = "timestamp_order"
	CheckSubmissionBurst = "submission_burst"
)

// Thresholds are the named plausibility limits. They are deliberately
// configuration constants rather than hardcoded literals; zero values
// fall back to the defaults below.
type Thresholds struct {
	// MaxWeightPerRepKg is the heaviest single-set weight accepted
	// without review.
	MaxWeightPerRepKg float64

	// MinPaceSecPerKm is the fastest sustained pace accepted; paces
	// below it (faster) are flagged.
	MinPaceSecPerKm float64

	// MaxRepsPerSecond bounds rep volume against activity duration.
	MaxRepsPerSecond float64

	// MaxClimbMetersPerHr bounds elevation gain rate.
	MaxClimbMetersPerHr float64

	// BurstWindowSeconds and BurstMaxActivities bound submission rate
	// per user. The recent count is fetched by the caller at the I/O
	// edge; the detector itself stays pure.
	BurstWindowSeconds int
	BurstMaxActivities int64
}

// DefaultThresholds returns the default plausibility limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxWeightPerRepKg:   350,
		MinPaceSecPerKm:     150, // 2:30 min/km, faster than the marathon world record pace
		MaxRepsPerSecond:    2.0,
		MaxClimbMetersPerHr: 2000,
		BurstWindowSeconds:  3600,
		BurstMaxActivities:  20,
	}
}

// ThresholdsFromConfig merges configured limits over the defaults.
func ThresholdsFromConfig(cfg domain.FraudConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.MaxWeightPerRepKg > 0 {
		t.MaxWeightPerRepKg = cfg.MaxWeightPerRepKg
	}
	if cfg.MinPaceSecPerKm > 0 {
		t.MinPaceSecPerKm = cfg.MinPaceSecPerKm
	}
	if cfg.MaxRepsPerSecond > 0 {
		t.MaxRepsPerSecond = cfg.MaxRepsPerSecond
	}
	if cfg.MaxClimbMetersPerHr > 0 {
		t.MaxClimbMetersPerHr = cfg.MaxClimbMetersPerHr
	}
	if cfg.BurstWindowSeconds > 0 {
		t.BurstWindowSeconds = cfg.BurstWindowSeconds
	}
	if cfg.BurstMaxActivities > 0 {
		t.BurstMaxActivities = cfg.BurstMaxActivities
	}
	return t
}

// Detector annotates calculations with plausibility flags.
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(t Thresholds) *Detector {
	return &Detector{thresholds: t}
}

// Input is everything the battery inspects. RecentActivityCount is the
// user's submission count inside the burst window, resolved by the
// caller before invoking the detector.
type Input struct {
	Activity            *domain.ActivityRecord
	Calculation         *domain.PointsCalculation
	RecentActivityCount int64
}

// Annotate runs the battery and attaches the resulting flags to the
// calculation. TotalPoints is never touched; requires_review is true iff
// any flag reaches high severity.
func (d *Detector) Annotate(in Input) {
	flags := d.Inspect(in)
	in.Calculation.FraudFlags = flags
	in.Calculation.RequiresReview = RequiresReview(flags)
}

// Inspect runs every check and returns the triggered flags.
func (d *Detector) Inspect(in Input) []domain.FraudFlag {
	t := d.thresholds
	m := in.Activity.Metrics

	var flags []domain.FraudFlag

	if maxW := m.MaxWeightKg(); maxW > t.MaxWeightPerRepKg {
		severity := domain.SeverityHigh
		if maxW > 2*t.MaxWeightPerRepKg {
			severity = domain.SeverityCritical
		}
		flags = append(flags, domain.FraudFlag{
			CheckID:  CheckWeightCeiling,
			Severity: severity,
			Detail:   fmt.Sprintf("max set weight %.1fkg exceeds %.1fkg ceiling", maxW, t.MaxWeightPerRepKg),
		})
	}

	if m.DistanceM > 0 && m.DurationS > 0 {
		pace := m.DurationS / (m.DistanceM / 1000)
		if pace < t.MinPaceSecPerKm {
			flags = append(flags, domain.FraudFlag{
				CheckID:  CheckImplausiblePace,
				Severity: domain.SeverityHigh,
				Detail:   fmt.Sprintf("pace %.0fs/km faster than %.0fs/km floor", pace, t.MinPaceSecPerKm),
			})
		}
	}

	if reps := m.TotalReps(); reps > 0 && m.DurationS > 0 {
		rate := float64(reps) / m.DurationS
		if rate > t.MaxRepsPerSecond {
			flags = append(flags, domain.FraudFlag{
				CheckID:  CheckVolumeMismatch,
				Severity: domain.SeverityMedium,
				Detail:   fmt.Sprintf("%.2f reps/s exceeds %.2f reps/s ceiling", rate, t.MaxRepsPerSecond),
			})
		}
	}

	if m.ElevationGainM > 0 && m.DurationS > 0 {
		rate := m.ElevationGainM / m.DurationS * 3600
		if rate > t.MaxClimbMetersPerHr {
			flags = append(flags, domain.FraudFlag{
				CheckID:  CheckClimbRate,
				Severity: domain.SeverityMedium,
				Detail:   fmt.Sprintf("climb rate %.0fm/h exceeds %.0fm/h ceiling", rate, t.MaxClimbMetersPerHr),
			})
		}
	}

	if !in.Activity.EndedAt.IsZero() && in.Activity.EndedAt.Before(in.Activity.StartedAt) {
		flags = append(flags, domain.FraudFlag{
			CheckID:  CheckTimestampOrder,
			Severity: domain.SeverityMedium,
			Detail:   "activity ends before it starts",
		})
	}

	if t.BurstMaxActivities > 0 && in.RecentActivityCount > t.BurstMaxActivities {
		flags = append(flags, domain.FraudFlag{
			CheckID:  CheckSubmissionBurst,
			Severity: domain.SeverityHigh,
			Detail: fmt.Sprintf("%d activities in %ds window exceeds %d",
				in.RecentActivityCount, t.BurstWindowSeconds, t.BurstMaxActivities),
		})
	}

	return flags
}

// RequiresReview reports whether any flag reaches high severity.
func RequiresReview(flags []domain.FraudFlag) bool {
	for _, f := range flags {
		if f.Severity.AtLeast(domain.SeverityHigh) {
			return true
		}
	}
	return false
}
