// Package grading maps accuracy scores to result categories, letter grades
// and reward multipliers.
//
// Every function here is pure and deterministic:
//
//	score ∈ [0.9, 1.0]  → CORRECT            (1.2 at ≥0.95, else 1.0)
//	score ∈ [0.5, 0.9)  → PARTIALLY_CORRECT  (0.8 / 0.6 / 0.4 / 0.2 step table)
//	score ∈ [0, 0.5)    → INCORRECT          (0)
package grading

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/model"
)

// step is one threshold row: scores at or above Min get Value.
type step struct {
	Min   float64
	Value decimal.Decimal
}

var (
	correctSteps = []step{
		{0.95, decimal.RequireFromString("1.2")},
		{0.9, decimal.NewFromInt(1)},
	}
	partialSteps = []step{
		{0.8, decimal.RequireFromString("0.8")},
		{0.7, decimal.RequireFromString("0.6")},
		{0.6, decimal.RequireFromString("0.4")},
		{0.5, decimal.RequireFromString("0.2")},
	}
	gradeSteps = []struct {
		Min   float64
		Grade model.Grade
	}{
		{0.95, model.GradeS},
		{0.9, model.GradeA},
		{0.8, model.GradeB},
		{0.7, model.GradeC},
		{0.6, model.GradeD},
	}
)

// MaxMultiplier is the largest reward multiplier Evaluate can return.
var MaxMultiplier = decimal.RequireFromString("1.2")

// Evaluate grades an accuracy score. Scores outside [0, 1], NaN and the
// infinities fail with model.ErrInvalidAccuracyScore.
func Evaluate(score float64) (model.PredictionResult, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return model.PredictionResult{}, fmt.Errorf("%w: %v", model.ErrInvalidAccuracyScore, score)
	}

	res := model.PredictionResult{
		AccuracyScore:    score,
		Grade:            LetterGrade(score),
		RewardMultiplier: decimal.Zero,
	}
	switch {
	case score >= 0.9:
		res.Category = model.ResultCorrect
		res.RewardMultiplier = lookup(correctSteps, score)
	case score >= 0.5:
		res.Category = model.ResultPartiallyCorrect
		res.RewardMultiplier = lookup(partialSteps, score)
	default:
		res.Category = model.ResultIncorrect
	}
	return res, nil
}

// FromBool grades a yes/no outcome: true is a perfect score, false is zero.
func FromBool(correct bool) model.PredictionResult {
	score := 0.0
	if correct {
		score = 1.0
	}
	res, _ := Evaluate(score)
	return res
}

// Pending is the placeholder result for a participant not yet graded.
func Pending() model.PredictionResult {
	return model.PredictionResult{
		Category:         model.ResultPending,
		Grade:            model.GradeF,
		RewardMultiplier: decimal.Zero,
	}
}

// LetterGrade maps a score in [0, 1] to S through F.
func LetterGrade(score float64) model.Grade {
	for _, g := range gradeSteps {
		if score >= g.Min {
			return g.Grade
		}
	}
	return model.GradeF
}

func lookup(steps []step, score float64) decimal.Decimal {
	for _, s := range steps {
		if score >= s.Min {
			return s.Value
		}
	}
	return decimal.Zero
}
