// Package predict turns fixtures into outcome predictions by prompting a
// generative model and parsing its answer into a prediction payload.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pitchcall/pitchcall/internal/fixtures"
	"github.com/pitchcall/pitchcall/internal/record"
)

// Predictor produces a prediction for a fixture. The rest of the
// application depends on this interface, never on a concrete model client.
type Predictor interface {
	Predict(ctx context.Context, fx *fixtures.Fixture) (*record.Prediction, error)
}

// Config holds model client configuration.
type Config struct {
	// APIKey for the model API. When empty the SDK falls back to its
	// environment variable.
	APIKey string

	// Model selects which model answers (default: claude-sonnet-4-5).
	Model string

	// MaxTokens bounds the response (default: 1024).
	MaxTokens int64

	// Logger for client activity.
	Logger *log.Logger
}

// Anthropic is the Predictor backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
	max    int64
	logger *log.Logger
}

// NewAnthropic creates a model-backed predictor.
func NewAnthropic(config *Config) *Anthropic {
	if config == nil {
		config = &Config{}
	}
	model := config.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	max := config.MaxTokens
	if max <= 0 {
		max = 1024
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[predict] ", log.LstdFlags)
	}

	var opts []option.RequestOption
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
		max:    max,
		logger: logger,
	}
}

// Predict prompts the model for the fixture and parses the reply.
func (a *Anthropic) Predict(ctx context.Context, fx *fixtures.Fixture) (*record.Prediction, error) {
	prompt := BuildPrompt(fx)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.max,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model request failed for fixture %s: %w", fx.ID, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	p, err := ParseResponse(text.String(), fx.ID)
	if err != nil {
		return nil, err
	}
	p.Model = string(a.model)
	return p, nil
}

// BuildPrompt renders the fixture into the prediction prompt. The model is
// asked for strict JSON so ParseResponse stays simple.
func BuildPrompt(fx *fixtures.Fixture) string {
	var b strings.Builder
	b.WriteString("You are a football match analyst. Predict the full-time outcome of this fixture.\n\n")
	fmt.Fprintf(&b, "League: %s\n", fx.League)
	fmt.Fprintf(&b, "Home: %s\n", fx.Home)
	fmt.Fprintf(&b, "Away: %s\n", fx.Away)
	fmt.Fprintf(&b, "Kickoff: %s\n\n", fx.KickoffAt.Format("2006-01-02 15:04 MST"))
	b.WriteString("Answer with a single JSON object and nothing else, exactly this shape:\n")
	b.WriteString(`{"outcome":"home|draw|away","home_goals":0,"away_goals":0,"confidence":0.0,"rationale":"one sentence"}`)
	return b.String()
}

// ParseResponse extracts the JSON object from a model reply and validates
// it as a prediction for the given fixture. Confidence is clamped into
// [0,1] rather than rejected; models round-trip floats loosely.
func ParseResponse(text, matchID string) (*record.Prediction, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply for %s", matchID)
	}

	var p record.Prediction
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("failed to parse model reply for %s: %w", matchID, err)
	}

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	p.MatchID = matchID

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("model reply for %s is not a usable prediction: %w", matchID, err)
	}
	return &p, nil
}
