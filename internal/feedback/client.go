// Package feedback forwards user reactions on answers to the FAQ cache
// service, which promotes well-rated answers into its cache and evicts
// poorly rated ones.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Signal values understood by the cache service.
const (
	SignalNegative = 0
	SignalPositive = 1
)

// Config holds cache service settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client posts feedback to the FAQ cache service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a feedback client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Event is one user reaction to a generated answer. Signal is 1 for a
// positive rating, 0 for negative.
type Event struct {
	Signal int    `json:"cache_signal"`
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

// Result is the cache service's acknowledgement.
type Result struct {
	Message     string `json:"message"`
	ActionTaken string `json:"action_taken"`
}

// Send posts one feedback event and returns the cache service's response.
func (c *Client) Send(ctx context.Context, event Event) (*Result, error) {
	if event.Signal != SignalPositive && event.Signal != SignalNegative {
		return nil, fmt.Errorf("invalid feedback signal %d", event.Signal)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal feedback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/feedback", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call cache service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cache service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode cache response: %w", err)
	}

	c.logger.Info("Feedback forwarded",
		zap.Int("signal", event.Signal),
		zap.String("action", result.ActionTaken),
	)
	return &result, nil
}
