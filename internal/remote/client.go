// Package remote implements the HTTP client for the remote prediction
// store.
//
// The client is stateless between calls and tolerates any remote
// implementation honoring the contract: GET /predictions/{id} returns the
// authoritative copy or 404, POST /predictions accepts an upload, answers
// 409 with the server's current record on a conflicting write, or returns an
// error status with a reason string.
package remote

import (
	"bytes"
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

// ErrNotFound is returned by Fetch when the remote store has no record for
// the id.
var ErrNotFound = errors.New("prediction not found in remote store")

// ConflictError is returned by Upload when the remote store rejects a write
// because it holds a version the upload does not advance past. It carries
// the server's current record so the caller can resolve.
type ConflictError struct {
	Remote *record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote store holds conflicting version %d of record %s",
		e.Remote.Meta.Version, e.Remote.ID)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the remote store root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each request (default: 10s).
	Timeout time.Duration

	// Logger for client activity.
	Logger *log.Logger
}

// Client talks to the remote prediction store on behalf of the sync engine.
type Client struct {
	base   string
	http   *http.Client
	logger *log.Logger
}

// New creates a remote store client.
func New(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		base:   strings.TrimRight(config.BaseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// wireRecord is the JSON shape exchanged with the remote store.
type wireRecord struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      record.Meta     `json:"metadata"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt,omitempty"`
}

// Fetch retrieves the authoritative remote copy of a record.
//
// The result is tagged cloud-confirmed. An unparseable or corrupt response
// is reported as an error (treated as a fetch failure upstream) rather than
// being seeded locally.
func (c *Client) Fetch(ctx context.Context, id string) (*record.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed for %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed for %s: %s", id, readReason(resp))
	}

	var wire wireRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("malformed remote response for %s: %w", id, err)
	}

	rec, err := fromWire(&wire)
	if err != nil {
		return nil, fmt.Errorf("malformed remote record for %s: %w", id, err)
	}
	return rec, nil
}

// Upload sends a local record to the remote store.
//
// A version conflict comes back as a *ConflictError carrying the server's
// current record. Every other failure is transient from the caller's point
// of view: the id stays queued and the upload is retried on a later pass.
func (c *Client) Upload(ctx context.Context, rec *record.Record) error {
	body, err := json.Marshal(wireRecord{
		ID:       rec.ID,
		Payload:  rec.Payload,
		Metadata: rec.Meta,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/predictions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed for %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		var wire wireRecord
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
			return fmt.Errorf("conflicting upload for %s, unreadable server copy: %w", rec.ID, err)
		}
		remote, err := fromWire(&wire)
		if err != nil {
			return fmt.Errorf("conflicting upload for %s, malformed server copy: %w", rec.ID, err)
		}
		return &ConflictError{Remote: remote}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	default:
		return fmt.Errorf("upload rejected for %s: %s", rec.ID, readReason(resp))
	}
}

// fromWire converts the wire representation into a cloud-confirmed record,
// rejecting payloads whose checksum does not match.
func fromWire(wire *wireRecord) (*record.Record, error) {
	rec := &record.Record{
		ID:      wire.ID,
		Payload: wire.Payload,
		Meta:    wire.Metadata,
		State:   record.StateSynced,
	}
	rec.Meta.Class = record.ClassCloud
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if !rec.VerifyChecksum() {
		return nil, fmt.Errorf("payload checksum mismatch")
	}
	return rec, nil
}

// readReason extracts a short failure reason from an error response body.
func readReason(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.Status
	}
	var body struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Reason != "" {
			return fmt.Sprintf("%s: %s", resp.Status, body.Reason)
		}
		if body.Error != "" {
			return fmt.Sprintf("%s: %s", resp.Status, body.Error)
		}
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}
