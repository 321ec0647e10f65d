// Package llm talks to an Ollama-compatible inference server. Streamed chat
// completions are decoded line by line from NDJSON, and each decoded
// fragment passes through a StreamSink so callers can persist partial
// content and poll for cancellation without the client knowing about
// storage.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamSink receives streaming progress. Cancelled is polled after every
// decoded fragment; a true return aborts the stream. Persist is called with
// the full accumulated text so far, not a delta.
type StreamSink interface {
	Cancelled(ctx context.Context, outputID string) (bool, error)
	Persist(ctx context.Context, outputID string, content string) error
}

// ErrCancelled reports that the sink requested an abort mid-stream.
var ErrCancelled = errors.New("llm: generation cancelled")

// Options tunes a single generation call.
type Options struct {
	Temperature   float64
	RepeatPenalty float64
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client is an HTTP client for the inference server.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client. Timeout covers the entire request including
// the streamed body, so it should be generous.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

func buildOptions(opts Options) map[string]interface{} {
	m := map[string]interface{}{}
	if opts.Temperature > 0 {
		m["temperature"] = opts.Temperature
	}
	if opts.RepeatPenalty > 0 {
		m["repeat_penalty"] = opts.RepeatPenalty
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Stream runs a streaming chat completion. Every decoded fragment is
// appended to the accumulated answer, persisted through the sink, and
// followed by a cancellation poll. On cancellation it returns the partial
// text together with ErrCancelled.
func (c *Client) Stream(ctx context.Context, messages []Message, opts Options, outputID string, sink StreamSink) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
		Options:  buildOptions(opts),
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, "/api/chat", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var answer strings.Builder
	fragments := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		parsed := gjson.ParseBytes(line)
		if !parsed.IsObject() {
			c.logger.Warn("Skipping malformed stream line", zap.String("output_id", outputID))
			continue
		}
		if fragment := parsed.Get("message.content"); fragment.Exists() && fragment.String() != "" {
			answer.WriteString(fragment.String())
			fragments++
			if err := sink.Persist(ctx, outputID, answer.String()); err != nil {
				return answer.String(), fmt.Errorf("persist stream fragment: %w", err)
			}
			cancelled, err := sink.Cancelled(ctx, outputID)
			if err != nil {
				return answer.String(), fmt.Errorf("poll cancellation: %w", err)
			}
			if cancelled {
				c.logger.Info("Stream aborted by cancellation",
					zap.String("output_id", outputID),
					zap.Int("fragments", fragments),
				)
				return answer.String(), ErrCancelled
			}
		}
		if parsed.Get("done").Bool() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return answer.String(), fmt.Errorf("read stream: %w", err)
	}

	c.logger.Debug("Stream complete",
		zap.String("output_id", outputID),
		zap.Int("fragments", fragments),
		zap.Int("chars", answer.Len()),
	)
	return answer.String(), nil
}

// Generate runs a non-streaming chat completion and returns the full answer.
func (c *Client) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  buildOptions(opts),
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.post(ctx, "/api/chat", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	return gjson.GetBytes(raw, "message.content").String(), nil
}

// Complete runs a single-prompt completion against /api/generate. Used for
// auxiliary generations such as chat titles.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":   c.model,
		"prompt":  prompt,
		"stream":  false,
		"options": buildOptions(opts),
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	resp, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", err)
	}
	return gjson.GetBytes(raw, "response").String(), nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call inference server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}
