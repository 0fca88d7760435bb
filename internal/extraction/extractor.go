package extraction

import (
	"context"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// Extractor maps raw OCR text onto the invoice schema using a language model
type Extractor interface {
	// Extract returns the schema found in text. A nil schema always comes
	// with an error saying why there is nothing to persist.
	Extract(ctx context.Context, text string) (*invoice.Schema, error)
	// Close releases the backend client
	Close() error
}
