// Package scoring provides the anomaly-score hook used by the detection
// pipeline and the process monitor.
//
// The default Scorer is a uniform random draw. It stands in for a real
// classifier; anything satisfying Scorer can replace it without touching
// the callers.
package scoring

import (
	"math"
	"math/rand/v2"
)

const (
	// MinScore and MaxScore bound every score.
	MinScore = 0
	MaxScore = 100
)

// Scorer rates a subject (file path or process identifier).
// Implementations must return a value in [MinScore, MaxScore].
type Scorer interface {
	Score(subject string) int
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(subject string) int

// Score calls f.
func (f ScorerFunc) Score(subject string) int { return f(subject) }

// Fixed returns a Scorer that always yields score.
func Fixed(score int) Scorer {
	return ScorerFunc(func(string) int { return Clamp(score) })
}

// Random draws uniformly from [MinScore, MaxScore], ignoring the subject.
type Random struct{}

// Score implements Scorer.
func (Random) Score(string) int {
	return rand.IntN(MaxScore-MinScore+1) + MinScore
}

// Clamp forces score into [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Metric is the secondary display metric: a saturating tanh transform of
// the score into (-100, 100], strictly increasing in score.
func Metric(score int) float64 {
	return math.Tanh(float64(score)/100) * 100
}

// Assess scores subject through s and returns the clamped score with its
// metric.
func Assess(s Scorer, subject string) (int, float64) {
	score := Clamp(s.Score(subject))
	return score, Metric(score)
}
