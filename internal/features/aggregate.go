package features

import (
	"math"
	"sort"

	"proctorlens/internal/cohort"
	"proctorlens/internal/eventlog"
	"proctorlens/internal/replay"
	"proctorlens/internal/scoring"
)

// FastZScore is the time z-score below which a question counts as fast.
const FastZScore = -1.5

// Aggregate reduces one session into its feature vector. stream is the
// session's built event stream; scored holds its resolved, scored metrics.
// The result is always finite and rounded to four decimals. Aggregate is
// deterministic for the same inputs.
func Aggregate(stream eventlog.Stream, scored []scoring.Scored, stats cohort.Stats) Vector {
	var v Vector
	if stream.Empty() {
		return v
	}

	timing(&v, stream)

	kept := make([]scoring.Scored, 0, len(scored))
	for _, s := range scored {
		if s.Attempted || s.TimeSpent > cohort.MinAttemptSeconds {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		v.finalize()
		return v
	}

	var (
		times   = make([]float64, 0, len(kept))
		zs      = make([]float64, 0, len(kept))
		ids     = make([]string, 0, len(kept))
		correct float64
		graded  int

		attempted, fast, correctFast, withTabs, withChanges int
	)
	for _, s := range kept {
		times = append(times, s.TimeSpent)
		ids = append(ids, s.QuestionID)

		v.NumTabSwitches += float64(s.TabSwitches)
		v.NumAnswerChanges += float64(s.AnswerChanges)
		if s.Revisited {
			v.NumRevisits++
		}
		if s.Outcome.Defined() {
			correct += s.Outcome.Score()
			graded++
		}

		isFast := s.HasZScore && s.ZScore < FastZScore
		if s.HasZScore {
			zs = append(zs, s.ZScore)
		}
		if s.Attempted {
			attempted++
			if isFast {
				fast++
				if s.Outcome == replay.OutcomeCorrect {
					correctFast++
				}
			}
			if s.TabSwitches > 0 {
				withTabs++
			}
			if s.AnswerChanges > 0 {
				withChanges++
			}
		}
	}

	v.MeanTimePerQuestion = mean(times)
	v.StdDevTimePerQuestion = sampleStdDev(times)
	v.MedianTimePerQuestion = median(times)
	v.MinTimePerQuestion, v.MaxTimePerQuestion = minMax(times)

	v.NumQuestionsAttempted = float64(attempted)
	if graded > 0 {
		v.Accuracy = correct / float64(graded)
	}

	if len(zs) > 0 {
		v.MeanTimeZScore = mean(zs)
		v.MinTimeZScore, v.MaxTimeZScore = minMax(zs)
		v.StdDevTimeZScore = sampleStdDev(zs)
	}

	exp := scoring.Expect(ids, stats)
	v.AccuracyDeviation = v.Accuracy - exp.Accuracy
	v.TabSwitchDeviation = v.NumTabSwitches - exp.TabSwitches
	v.AnswerChangeDeviation = v.NumAnswerChanges - exp.AnswerChanges

	if attempted > 0 {
		n := float64(attempted)
		v.ProportionQuestionsFast = float64(fast) / n
		v.ProportionQuestionsCorrectFast = float64(correctFast) / n
		v.ProportionQuestionsWithTabSwitch = float64(withTabs) / n
		v.AnswerChangeRate = float64(withChanges) / n
	}

	v.finalize()
	return v
}

// timing fills the three stream-level scalars.
func timing(v *Vector, stream eventlog.Stream) {
	start := stream.Start()
	total := stream.Duration().Seconds()
	v.TotalDuration = total

	first, ok := stream.First(eventlog.KindOptionSelected)
	if !ok {
		v.TimeUntilFirstAnswer = total
		return
	}
	v.TimeUntilFirstAnswer = first.Time.Sub(start).Seconds()

	last, _ := stream.Last(eventlog.KindOptionSelected)
	submit, ok := stream.Last(eventlog.KindTestSubmitted)
	if ok && !last.Time.After(submit.Time) {
		v.TimeBetweenLastAnswerAndSubmit = submit.Time.Sub(last.Time).Seconds()
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, x := range values {
		sum += x
	}
	return sum / float64(len(values))
}

// sampleStdDev uses n-1 in the denominator and is 0 for fewer than two values.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, x := range values {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func minMax(values []float64) (lo, hi float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi = values[0], values[0]
	for _, x := range values[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
