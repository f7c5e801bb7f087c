// Package fixtures fetches match data from the upstream sports-data
// provider. It is a thin client: no caching, no retries beyond the HTTP
// client's timeout; callers treat failures as transient.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pitchcall/pitchcall/internal/record"
)

// ErrNotFound is returned when the provider has no fixture for the id.
var ErrNotFound = errors.New("fixture not found")

// Result is the final score of a finished fixture.
type Result struct {
	HomeGoals int `json:"home_goals"`
	AwayGoals int `json:"away_goals"`
}

// Outcome maps the score to the three-way result used by predictions.
func (r *Result) Outcome() record.Outcome {
	switch {
	case r.HomeGoals > r.AwayGoals:
		return record.OutcomeHome
	case r.HomeGoals < r.AwayGoals:
		return record.OutcomeAway
	default:
		return record.OutcomeDraw
	}
}

// Fixture is one scheduled or finished match.
type Fixture struct {
	ID        string    `json:"id"`
	League    string    `json:"league"`
	Home      string    `json:"home"`
	Away      string    `json:"away"`
	KickoffAt time.Time `json:"kickoff_at"`
	Status    string    `json:"status"` // scheduled, live, finished
	Result    *Result   `json:"result,omitempty"`
}

// Finished reports whether the fixture has a final result to grade against.
func (f *Fixture) Finished() bool {
	return f.Status == "finished" && f.Result != nil
}

// Source is the provider interface consumed by the rest of the
// application.
type Source interface {
	FixtureByID(ctx context.Context, id string) (*Fixture, error)
	FixturesByDate(ctx context.Context, date time.Time) ([]Fixture, error)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the provider root.
	BaseURL string

	// APIKey is sent on every request.
	APIKey string

	// Timeout bounds each request (default: 10s).
	Timeout time.Duration

	// Logger for client activity.
	Logger *log.Logger
}

// Client is the HTTP implementation of Source.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	logger *log.Logger
}

// New creates a provider client.
func New(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[fixtures] ", log.LstdFlags)
	}
	return &Client{
		base:   strings.TrimRight(config.BaseURL, "/"),
		apiKey: config.APIKey,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// FixtureByID retrieves a single fixture.
func (c *Client) FixtureByID(ctx context.Context, id string) (*Fixture, error) {
	var fx Fixture
	if err := c.get(ctx, "/fixtures/"+url.PathEscape(id), &fx); err != nil {
		return nil, err
	}
	return &fx, nil
}

// FixturesByDate retrieves all fixtures kicking off on the given day.
func (c *Client) FixturesByDate(ctx context.Context, date time.Time) ([]Fixture, error) {
	var out struct {
		Fixtures []Fixture `json:"fixtures"`
	}
	path := "/fixtures?date=" + date.Format("2006-01-02")
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Fixtures, nil
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned %s for %s", resp.Status, path)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
