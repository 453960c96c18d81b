package grading

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pmx/economy-engine/internal/model"
)

// Score computes a participant's accuracy for the game's kind. A missing
// outcome, an unusable tolerance or an unparsable numeric answer fails with
// model.ErrUngradableGame.
//
//	BINARY      exact (case-insensitive) answer match → 1, else 0
//	CONFIDENCE  confidence when the answer matches, 1-confidence otherwise
//	NUMERIC     max(0, 1 - |answer-outcome| / tolerance)
func Score(g model.Game, st model.Stake) (float64, error) {
	outcome := strings.TrimSpace(g.Outcome)
	if outcome == "" {
		return 0, fmt.Errorf("%w: game %s has no outcome", model.ErrUngradableGame, g.ID)
	}
	answer := strings.TrimSpace(st.Answer)

	switch g.Kind {
	case model.GameBinary:
		if strings.EqualFold(answer, outcome) {
			return 1, nil
		}
		return 0, nil

	case model.GameConfidence:
		conf := 1.0
		if st.Confidence != nil {
			conf = *st.Confidence
		}
		if math.IsNaN(conf) || conf < 0 || conf > 1 {
			return 0, fmt.Errorf("%w: %s confidence %v", model.ErrUngradableGame, st.UserID, conf)
		}
		if strings.EqualFold(answer, outcome) {
			return conf, nil
		}
		return 1 - conf, nil

	case model.GameNumeric:
		want, err := strconv.ParseFloat(outcome, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: game %s outcome %q is not numeric", model.ErrUngradableGame, g.ID, outcome)
		}
		tol, _ := g.Tolerance.Float64()
		if tol <= 0 {
			return 0, fmt.Errorf("%w: game %s has no tolerance", model.ErrUngradableGame, g.ID)
		}
		got, err := strconv.ParseFloat(answer, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s answered %q", model.ErrUngradableGame, st.UserID, answer)
		}
		return math.Max(0, 1-math.Abs(got-want)/tol), nil
	}
	return 0, fmt.Errorf("%w: game %s has unknown kind %q", model.ErrUngradableGame, g.ID, g.Kind)
}

// Grade scores and evaluates one stake.
func Grade(g model.Game, st model.Stake) (model.PredictionResult, error) {
	score, err := Score(g, st)
	if err != nil {
		return model.PredictionResult{}, err
	}
	res, err := Evaluate(score)
	if err != nil {
		return model.PredictionResult{}, fmt.Errorf("%w: %v", model.ErrUngradableGame, err)
	}
	return res, nil
}
