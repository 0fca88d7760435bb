package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// OllamaConfig configures the Ollama generate-API backend
type OllamaConfig struct {
	URL         string // full generate endpoint
	Model       string
	Temperature float64
	Timeout     time.Duration
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// Ollama implements the Extractor interface using Ollama's /api/generate
type Ollama struct {
	url         string
	model       string
	temperature float64
	retryDelay  time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewOllama creates a new Ollama Extractor instance.
// Small instruction-tuned models such as phi3:3.8b handle the fixed schema well.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434/api/generate"
	}
	if cfg.Model == "" {
		cfg.Model = "phi3:3.8b"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ollama{
		url:         cfg.URL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		retryDelay:  cfg.RetryDelay,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      cfg.Logger,
	}
}

// generateRequest represents the request body for Ollama's generate API
type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system"`
	Format      string  `json:"format"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// generateResponse represents the response from Ollama's generate API
type generateResponse struct {
	Response string `json:"response"`
}

// Extract sends the OCR text to the model and parses the JSON it returns
func (o *Ollama) Extract(ctx context.Context, text string) (*invoice.Schema, error) {
	reqBody := generateRequest{
		Model:       o.model,
		Prompt:      buildPrompt(text),
		System:      systemPrompt,
		Format:      "json",
		Temperature: o.temperature,
		Stream:      false,
	}

	var response string
	err := retryOnce(ctx, o.retryDelay, o.logger, func() error {
		var err error
		response, err = o.generate(ctx, reqBody)
		return err
	})
	if err != nil {
		if errors.Is(err, invoice.ErrTransientNetwork) {
			o.logger.Error("llm.unavailable", "model", o.model, "error", err)
		}
		return nil, err
	}

	schema, err := parseSchema(response, o.logger)
	if err != nil {
		o.logger.Warn("llm.response.invalid", "model", o.model, "response", truncate(response, 200))
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	return schema, nil
}

func (o *Ollama) generate(ctx context.Context, reqBody generateRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: calling ollama API: %v", invoice.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: ollama API error (status %d): %s", invoice.ErrTransientNetwork, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("%w: decoding ollama envelope: %w", invoice.ErrExtractionParse, err)
	}
	return genResp.Response, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}

// retryOnce runs op, and runs it a second time if it failed with a transient network error
func retryOnce(ctx context.Context, delay time.Duration, logger *slog.Logger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, invoice.ErrTransientNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		logger.Warn("llm.http.retry", "delay", d, "error", err)
	})
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "...(truncated)"
}
