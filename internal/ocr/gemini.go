package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-automator/internal/invoice"
)

const transcribePrompt = `Transcribe every piece of text visible in this document image, in natural reading order.
Output one line of text per line of the document. Do not translate, summarize, or add commentary.
If there is no text, output nothing.`

// GeminiVision recognizes text by asking a Gemini vision model to transcribe the page
type GeminiVision struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiVision creates a new GeminiVision engine
func NewGeminiVision(ctx context.Context, apiKey string, modelName string) (*GeminiVision, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &GeminiVision{
		client: client,
		model:  model,
	}, nil
}

// LoadGeminiVision returns a Loader for a GeminiVision engine
func LoadGeminiVision(apiKey, modelName string) Loader {
	return func(ctx context.Context) (Engine, error) {
		return NewGeminiVision(ctx, apiKey, modelName)
	}
}

// Recognize sends the page as PNG and splits the transcription into lines
func (g *GeminiVision) Recognize(ctx context.Context, img image.Image) ([]string, error) {
	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix, not the full MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", data), genai.Text(transcribePrompt))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: generating content: %v", invoice.ErrTransientNetwork, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return splitLines(text.String()), nil
}

// Close closes the Gemini client
func (g *GeminiVision) Close() error {
	return g.client.Close()
}
