package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// Gemini implements the Extractor interface using Google Gemini in JSON mode
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *slog.Logger
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(ctx context.Context, apiKey string, modelName string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	return &Gemini{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Extract sends the OCR text to Gemini and parses the JSON it returns
func (g *Gemini) Extract(ctx context.Context, text string) (*invoice.Schema, error) {
	var response string
	err := retryOnce(ctx, time.Second, g.logger, func() error {
		var err error
		response, err = g.generate(ctx, text)
		return err
	})
	if err != nil {
		if errors.Is(err, invoice.ErrTransientNetwork) {
			g.logger.Error("llm.unavailable", "model", "gemini", "error", err)
		}
		return nil, err
	}

	schema, err := parseSchema(response, g.logger)
	if err != nil {
		g.logger.Warn("llm.response.invalid", "model", "gemini", "response", truncate(response, 200))
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	return schema, nil
}

func (g *Gemini) generate(ctx context.Context, text string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(buildPrompt(text)))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: generating content: %v", invoice.ErrTransientNetwork, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: no response from gemini", invoice.ErrExtractionParse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			responseText.WriteString(string(t))
		}
	}
	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
