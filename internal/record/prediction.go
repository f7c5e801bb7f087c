package record

import (
	"encoding/json"
	"fmt"
)

// Outcome is the predicted full-time result of a fixture.
type Outcome string

const (
	OutcomeHome Outcome = "home"
	OutcomeDraw Outcome = "draw"
	OutcomeAway Outcome = "away"
)

// Valid reports whether the outcome is one of the three known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeHome, OutcomeDraw, OutcomeAway:
		return true
	}
	return false
}

// Prediction is the domain payload carried by sync records. The sync layer
// treats it as opaque JSON; this type exists for the application edges that
// produce and grade predictions.
type Prediction struct {
	MatchID    string  `json:"match_id"`
	Outcome    Outcome `json:"outcome"`
	HomeGoals  int     `json:"home_goals"`
	AwayGoals  int     `json:"away_goals"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Validate checks the prediction has usable field values.
func (p *Prediction) Validate() error {
	if p.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	if !p.Outcome.Valid() {
		return fmt.Errorf("outcome must be home, draw, or away (got %q)", p.Outcome)
	}
	if p.HomeGoals < 0 || p.AwayGoals < 0 {
		return fmt.Errorf("goals cannot be negative")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1 (got %g)", p.Confidence)
	}
	return nil
}

// Marshal serializes the prediction as the canonical record payload.
func (p *Prediction) Marshal() (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("cannot marshal invalid prediction: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction %s: %w", p.MatchID, err)
	}
	return data, nil
}

// ParsePrediction parses a record payload back into a Prediction.
func ParsePrediction(payload []byte) (*Prediction, error) {
	var p Prediction
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse prediction payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prediction payload: %w", err)
	}
	return &p, nil
}
