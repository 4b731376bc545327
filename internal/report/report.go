// Package report renders plain-text summaries of scored sessions, cohorts and
// center flags for reviewers.
package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"proctorlens/internal/cohort"
	"proctorlens/internal/features"
	"proctorlens/internal/flagging"
	"proctorlens/internal/pipeline"
)

const width = 72

func rule(w io.Writer, ch string) {
	fmt.Fprintln(w, strings.Repeat(ch, width))
}

func heading(w io.Writer, title string) {
	rule(w, "-")
	fmt.Fprintln(w, title)
	rule(w, "-")
	fmt.Fprintln(w)
}

// PrintSession writes a session report to w.
func PrintSession(w io.Writer, res *pipeline.SessionResult) {
	if res == nil {
		fmt.Fprintln(w, "No session data available")
		return
	}

	rule(w, "=")
	fmt.Fprintln(w, "                       SESSION BEHAVIOR REPORT")
	rule(w, "=")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Session:        %s\n", res.SessionID)
	if res.CenterID != "" {
		fmt.Fprintf(w, "Center:         %s\n", res.CenterID)
	}
	if res.Label != nil {
		fmt.Fprintf(w, "Label:          %d\n", *res.Label)
	}
	q := res.Quality
	fmt.Fprintf(w, "Events:         %d (%d bad timestamps, %d unrecognized)\n",
		q.Events, q.InvalidTimestamps, q.MalformedActivities)
	if len(q.UnknownQuestions) > 0 {
		fmt.Fprintf(w, "Unknown Qs:     %s\n", strings.Join(q.UnknownQuestions, ", "))
	}
	if res.Failed() {
		fmt.Fprintf(w, "\nFAILED: %s\n", res.Error)
		return
	}
	if q.Empty {
		fmt.Fprintln(w, "\nNo usable events; all features are zero.")
		return
	}
	fmt.Fprintln(w)

	v := res.Vector

	heading(w, "TIMING")
	fmt.Fprintf(w, "Total Duration:           %s\n", FormatSeconds(v.TotalDuration))
	fmt.Fprintf(w, "Time To First Answer:     %s\n", FormatSeconds(v.TimeUntilFirstAnswer))
	fmt.Fprintf(w, "Last Answer To Submit:    %s\n", FormatSeconds(v.TimeBetweenLastAnswerAndSubmit))
	fmt.Fprintf(w, "Per Question (mean):      %.1f sec  (median %.1f, min %.1f, max %.1f)\n\n",
		v.MeanTimePerQuestion, v.MedianTimePerQuestion, v.MinTimePerQuestion, v.MaxTimePerQuestion)

	heading(w, "COHORT DEVIATION")
	fmt.Fprintf(w, "Mean Time Z-Score:        %+.3f  %s\n",
		v.MeanTimeZScore, FormatMetricBar(v.MeanTimeZScore, -3, 3, 20))
	fmt.Fprintf(w, "  -> %s\n\n", interpretZ(v.MeanTimeZScore))

	fmt.Fprintf(w, "Fast Questions:           %.3f  %s\n",
		v.ProportionQuestionsFast, FormatMetricBar(v.ProportionQuestionsFast, 0, 1, 20))
	fmt.Fprintf(w, "  -> %s\n\n", interpretFast(v.ProportionQuestionsFast, v.ProportionQuestionsCorrectFast))

	fmt.Fprintf(w, "Accuracy:                 %.3f  (deviation %+.3f)\n", v.Accuracy, v.AccuracyDeviation)
	fmt.Fprintf(w, "  -> %s\n\n", interpretAccuracyDeviation(v.AccuracyDeviation))

	heading(w, "FOCUS")
	fmt.Fprintf(w, "Tab Switches:             %.0f  (deviation %+.2f)\n", v.NumTabSwitches, v.TabSwitchDeviation)
	fmt.Fprintf(w, "  -> %s\n", interpretTabs(v.NumTabSwitches, v.ProportionQuestionsWithTabSwitch))
	fmt.Fprintf(w, "Answer Changes:           %.0f  (deviation %+.2f)\n", v.NumAnswerChanges, v.AnswerChangeDeviation)
	fmt.Fprintf(w, "Revisits:                 %.0f\n", v.NumRevisits)
	fmt.Fprintf(w, "Attempted:                %.0f\n", v.NumQuestionsAttempted)
	if q.Unattributed > 0 {
		fmt.Fprintf(w, "Unattributed Events:      %d\n", q.Unattributed)
	}
	fmt.Fprintln(w)

	if len(res.Metrics) > 0 {
		heading(w, "PER QUESTION")
		fmt.Fprintf(w, "%-16s %9s %8s %-10s %5s %5s %s\n", "QUESTION", "TIME", "Z", "OUTCOME", "TABS", "CHG", "REV")
		for _, m := range res.Metrics {
			z := "-"
			if m.HasZScore {
				z = fmt.Sprintf("%+.2f", m.ZScore)
			}
			rev := ""
			if m.Revisited {
				rev = "yes"
			}
			fmt.Fprintf(w, "%-16s %8.1fs %8s %-10s %5d %5d %s\n",
				truncate(m.QuestionID, 16), m.TimeSpent, z, m.Outcome, m.TabSwitches, m.AnswerChanges, rev)
		}
		fmt.Fprintln(w)
	}

	rule(w, "=")
}

// PrintVector writes the raw feature vector in column order.
func PrintVector(w io.Writer, v features.Vector) {
	for i, x := range v.Values() {
		fmt.Fprintf(w, "%2d  %-40s %12.4f\n", i+1, features.Names[i], x)
	}
}

// PrintCohort writes a per-question baseline table.
func PrintCohort(w io.Writer, name string, stats cohort.Stats) {
	rule(w, "=")
	if name != "" {
		fmt.Fprintf(w, "COHORT: %s\n", name)
	} else {
		fmt.Fprintln(w, "COHORT")
	}
	rule(w, "=")
	if len(stats) == 0 {
		fmt.Fprintln(w, "No questions")
		return
	}

	fmt.Fprintf(w, "%-16s %7s %9s %9s %8s %7s %7s\n",
		"QUESTION", "SAMPLES", "MEAN(s)", "STDDEV", "ACC", "TABS", "CHG")
	empty := 0
	for _, id := range stats.IDs() {
		st := stats[id]
		if st.SampleCount == 0 {
			empty++
		}
		fmt.Fprintf(w, "%-16s %7d %9.3f %9.3f %8.3f %7.3f %7.3f\n",
			truncate(id, 16), st.SampleCount, st.MeanTime, st.StdDevTime,
			st.MeanAccuracy, st.MeanTabSwitches, st.MeanAnswerChanges)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Questions: %d  Samples: %d  Without samples: %d\n", len(stats), stats.Samples(), empty)
}

// PrintFlags writes a center flagging summary.
func PrintFlags(w io.Writer, sum *flagging.Summary) {
	if sum == nil {
		fmt.Fprintln(w, "No flag data available")
		return
	}

	rule(w, "=")
	fmt.Fprintln(w, "                        CENTER FLAG SUMMARY")
	rule(w, "=")
	fmt.Fprintf(w, "Threshold:      %.0f%%\n", sum.Threshold*100)
	fmt.Fprintf(w, "Sessions:       %d\n", sum.TotalSessions)
	fmt.Fprintf(w, "Flagged:        %d\n", sum.TotalFlagged)
	if !sum.EvaluatedAt.IsZero() {
		fmt.Fprintf(w, "Evaluated:      %s\n", sum.EvaluatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	if len(sum.Centers) > 0 {
		fmt.Fprintf(w, "%-20s %8s %8s %7s  %s\n", "CENTER", "TOTAL", "FLAGGED", "RATE", "")
		for _, c := range sum.Centers {
			marker := ""
			if c.IsFlagged {
				marker = "!!!"
			}
			fmt.Fprintf(w, "%-20s %8d %8d %6.1f%%  %s\n",
				truncate(c.CenterID, 20), c.Total, c.Flagged, c.Rate*100, marker)
		}
		fmt.Fprintln(w)
	}

	rule(w, "=")
	if len(sum.FlaggedCenters) == 0 {
		fmt.Fprintln(w, "FLAGGED CENTERS: none")
	} else {
		fmt.Fprintf(w, "FLAGGED CENTERS: %s\n", strings.Join(sum.FlaggedCenters, ", "))
	}
	rule(w, "=")
}

// FormatSeconds produces a readable duration from seconds.
func FormatSeconds(sec float64) string {
	if sec <= 0 || math.IsNaN(sec) {
		return "0s"
	}
	d := time.Duration(sec * float64(time.Second)).Round(100 * time.Millisecond)
	return d.String()
}

// FormatMetricBar produces an ASCII bar for value within [min, max].
func FormatMetricBar(value, min, max float64, width int) string {
	if width <= 0 {
		return ""
	}
	if max <= min {
		return strings.Repeat("-", width)
	}

	normalized := (value - min) / (max - min)
	normalized = math.Max(0, math.Min(1, normalized))

	filled := int(normalized * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	return "[" + bar + "]"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func interpretZ(z float64) string {
	switch {
	case z < -1.5:
		return "Much faster than the cohort across questions"
	case z < -0.5:
		return "Faster than the cohort"
	case z <= 0.5:
		return "Typical pace for this cohort"
	case z <= 1.5:
		return "Slower than the cohort"
	default:
		return "Much slower than the cohort"
	}
}

func interpretFast(fast, correctFast float64) string {
	switch {
	case fast == 0:
		return "No questions answered unusually fast"
	case correctFast >= 0.3:
		return "Many fast and correct answers (possible prior knowledge)"
	case fast > 0.5:
		return "Most questions answered unusually fast"
	case fast > 0.2:
		return "Several questions answered unusually fast"
	default:
		return "A few questions answered unusually fast"
	}
}

func interpretAccuracyDeviation(d float64) string {
	switch {
	case d > 0.3:
		return "Well above cohort accuracy on these questions"
	case d > 0.1:
		return "Above cohort accuracy"
	case d >= -0.1:
		return "In line with cohort accuracy"
	default:
		return "Below cohort accuracy"
	}
}

func interpretTabs(n, share float64) string {
	switch {
	case n == 0:
		return "No tab switches"
	case share > 0.5:
		return "Left the test tab on most questions"
	case n <= 2:
		return "Occasional tab switches"
	default:
		return "Frequent tab switches"
	}
}
