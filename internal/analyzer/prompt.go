package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"example.com/recommendation/internal/domain"
)

const answerFormat = `{
  "analysis": {
    "overall": "Overall analysis here",
    "pace": "Pace analysis here",
    "heartRate": "Heart rate analysis here",
    "caloriesBurned": "Calories analysis here"
  },
  "improvements": [
    {
      "area": "Area name",
      "recommendation": "Detailed recommendation"
    }
  ],
  "suggestions": [
    {
      "workout": "Workout name",
      "description": "Detailed workout description"
    }
  ],
  "safety": [
    "Safety point 1",
    "Safety point 2"
  ]
}`

// BuildPrompt renders the instruction sent to the model for one activity.
func BuildPrompt(activity domain.Activity) string {
	var b strings.Builder
	b.WriteString("Analyze this fitness activity and provide detailed recommendations in the following EXACT JSON format:\n")
	b.WriteString(answerFormat)
	b.WriteString("\n\nAnalyze this activity:\n")
	fmt.Fprintf(&b, "Activity Type: %s\n", activity.Type)
	fmt.Fprintf(&b, "Duration: %d minutes\n", activity.DurationMin)
	fmt.Fprintf(&b, "Calories Burned: %d\n", activity.CaloriesBurned)
	if !activity.StartTime.IsZero() {
		fmt.Fprintf(&b, "Start Time: %s\n", activity.StartTime.UTC().Format(time.RFC3339))
	}
	if len(activity.AdditionalMetrics) > 0 {
		b.WriteString("Additional Metrics:\n")
		keys := make([]string, 0, len(activity.AdditionalMetrics))
		for k := range activity.AdditionalMetrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, activity.AdditionalMetrics[k])
		}
	}
	b.WriteString("\nProvide detailed analysis focusing on performance, improvements, next workout suggestions, and safety guidelines.\n")
	b.WriteString("Ensure the response follows the EXACT JSON format shown above.")
	return b.String()
}
