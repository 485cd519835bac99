package analyzer

import (
	"context"
	"fmt"

	"example.com/recommendation/internal/domain"
)

// RulesAnalyzer derives a recommendation from activity type, duration and
// calories alone. Output is a pure function of the activity.
type RulesAnalyzer struct{}

// NewRulesAnalyzer constructs a RulesAnalyzer.
func NewRulesAnalyzer() RulesAnalyzer {
	return RulesAnalyzer{}
}

type typeProfile struct {
	label       string
	longSession int // minutes above which recovery advice is added
	suggestion  string
	safety      string
}

var profiles = map[domain.ActivityType]typeProfile{
	domain.ActivityRunning:        {"run", 60, "Easy recovery run: 20-30 minutes at conversational pace", "Replace running shoes every 500-800 km"},
	domain.ActivityWalking:        {"walk", 120, "Brisk walk with short hill intervals", "Wear visible clothing when walking near traffic"},
	domain.ActivityCycling:        {"ride", 120, "Cadence drills: 5 x 3 minutes at high cadence", "Always wear a helmet"},
	domain.ActivitySwimming:       {"swim", 60, "Technique session focusing on breathing rhythm", "Never swim alone in open water"},
	domain.ActivityWeightTraining: {"strength session", 75, "Mobility work for the muscle groups trained today", "Use a spotter for heavy compound lifts"},
	domain.ActivityYoga:           {"yoga session", 90, "Restorative yoga focusing on hips and shoulders", "Avoid forcing end-range positions"},
	domain.ActivityHIIT:           {"HIIT session", 30, "Low-intensity steady-state cardio for 30 minutes", "Allow at least 48 hours between HIIT sessions"},
	domain.ActivityCardio:         {"cardio session", 60, "Zone 2 cardio for 40 minutes", "Monitor your heart rate during hard efforts"},
	domain.ActivityStretching:     {"stretching session", 45, "Dynamic warm-up routine before your next workout", "Stretch only to mild tension, never pain"},
	domain.ActivityOther:          {"workout", 60, "Mix of light cardio and mobility work", "Warm up before starting any new activity"},
}

// Analyze implements domain.Analyzer.
func (RulesAnalyzer) Analyze(ctx context.Context, activity domain.Activity) (domain.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Recommendation{}, domain.NewTransientAnalysisError(err)
	}
	if err := activity.Validate(); err != nil {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(err)
	}

	profile := profiles[activity.Type.Normalize()]
	rec := domain.Recommendation{
		Improvements: []string{},
		Suggestions:  []string{profile.suggestion},
		Safety:       []string{profile.safety, "Stay hydrated"},
	}

	intensity := 0.0
	if activity.DurationMin > 0 {
		intensity = float64(activity.CaloriesBurned) / float64(activity.DurationMin)
	}
	rec.Analysis = fmt.Sprintf("Overall: %d minute %s burning %d kcal (%.1f kcal/min).",
		activity.DurationMin, profile.label, activity.CaloriesBurned, intensity)

	switch {
	case activity.DurationMin == 0:
		rec.Improvements = append(rec.Improvements, "Record the session duration to get pacing feedback")
	case activity.DurationMin < 20:
		rec.Improvements = append(rec.Improvements, "Duration: extend the session towards 20-30 minutes for aerobic benefit")
	case activity.DurationMin > profile.longSession:
		rec.Improvements = append(rec.Improvements, "Recovery: increase rest before your next hard session")
	}
	switch {
	case intensity >= 12:
		rec.Improvements = append(rec.Improvements, "Intensity: very high effort, increase rest and keep the next session easy")
	case intensity > 0 && intensity < 4:
		rec.Improvements = append(rec.Improvements, "Intensity: add short intervals to raise the training stimulus")
	}
	if len(rec.Improvements) == 0 {
		rec.Improvements = append(rec.Improvements, "Consistency: keep this volume steady for the next two weeks")
	}
	return rec, nil
}
