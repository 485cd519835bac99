package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActivityType classifies the exercise a user logged.
type ActivityType string

const (
	ActivityRunning        ActivityType = "RUNNING"
	ActivityWalking        ActivityType = "WALKING"
	ActivityCycling        ActivityType = "CYCLING"
	ActivitySwimming       ActivityType = "SWIMMING"
	ActivityWeightTraining ActivityType = "WEIGHT_TRAINING"
	ActivityYoga           ActivityType = "YOGA"
	ActivityHIIT           ActivityType = "HIIT"
	ActivityCardio         ActivityType = "CARDIO"
	ActivityStretching     ActivityType = "STRETCHING"
	ActivityOther          ActivityType = "OTHER"
)

// Normalize upper-cases the type and maps unknown values to ActivityOther.
func (t ActivityType) Normalize() ActivityType {
	switch v := ActivityType(strings.ToUpper(strings.TrimSpace(string(t)))); v {
	case ActivityRunning, ActivityWalking, ActivityCycling, ActivitySwimming, ActivityWeightTraining,
		ActivityYoga, ActivityHIIT, ActivityCardio, ActivityStretching:
		return v
	default:
		return ActivityOther
	}
}

// Activity is an immutable workout event delivered by the activity channel.
type Activity struct {
	ID                string
	UserID            string
	Type              ActivityType
	DurationMin       int
	CaloriesBurned    int
	StartTime         time.Time
	AdditionalMetrics map[string]any
	CreatedAt         time.Time
}

// Validate reports whether the activity carries enough data to be analysed.
// A failed validation is permanent: redelivering the same payload cannot fix it.
func (a Activity) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidActivity)
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidActivity)
	}
	if a.DurationMin < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidActivity)
	}
	if a.CaloriesBurned < 0 {
		return fmt.Errorf("%w: calories must be >= 0", ErrInvalidActivity)
	}
	return nil
}
