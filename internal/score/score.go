// Package score grades stored predictions against final results and
// aggregates accuracy.
package score

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitchcall/pitchcall/internal/fixtures"
	"github.com/pitchcall/pitchcall/internal/record"
	"github.com/pitchcall/pitchcall/internal/store"
)

// Grade reports whether the predicted three-way outcome matched the final
// result, and whether the exact scoreline matched too.
func Grade(p *record.Prediction, res *fixtures.Result) (correct, exact bool) {
	correct = p.Outcome == res.Outcome()
	exact = correct && p.HomeGoals == res.HomeGoals && p.AwayGoals == res.AwayGoals
	return correct, exact
}

// Report aggregates grading across all stored predictions. Fixtures that
// have not finished yet count toward Total but not Scored.
type Report struct {
	Total    int     `json:"total"`
	Scored   int     `json:"scored"`
	Correct  int     `json:"correct"`
	Exact    int     `json:"exact"`
	Accuracy float64 `json:"accuracy"`
}

// BuildReport walks every stored prediction, looks up its fixture, and
// grades the finished ones. Records whose payload is not a prediction, or
// whose fixture the provider no longer knows, are skipped.
func BuildReport(ctx context.Context, st *store.Store, src fixtures.Source) (*Report, error) {
	ids, err := st.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate predictions: %w", err)
	}

	report := &Report{}
	for _, id := range ids {
		rec, err := st.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		p, err := record.ParsePrediction(rec.Payload)
		if err != nil {
			continue
		}
		report.Total++

		fx, err := src.FixtureByID(ctx, p.MatchID)
		if err != nil || !fx.Finished() {
			continue
		}

		report.Scored++
		correct, exact := Grade(p, fx.Result)
		if correct {
			report.Correct++
		}
		if exact {
			report.Exact++
		}
	}

	if report.Scored > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Scored)
	}
	return report, nil
}
