package ocr

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zombor/invoice-automator/internal/invoice"
)

// Engine recognizes text in a single page image. Implementations are not
// required to be safe for concurrent use.
type Engine interface {
	// Recognize returns the text fragments of img in reading order
	Recognize(ctx context.Context, img image.Image) ([]string, error)
	// Close releases the engine
	Close() error
}

// Loader builds the engine. It is called at most once per successful load.
type Loader func(ctx context.Context) (Engine, error)

// Service extracts text from stored attachments with a single shared engine.
// The engine is loaded on first use and only one call uses it at a time.
type Service struct {
	files  invoice.AttachmentStore
	load   Loader
	slot   *semaphore.Weighted
	engine Engine // guarded by slot
	logger *slog.Logger
}

// NewService creates a new Service instance
func NewService(files invoice.AttachmentStore, load Loader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		files:  files,
		load:   load,
		slot:   semaphore.NewWeighted(1),
		logger: logger,
	}
}

// ExtractText returns all recognized text in file, one fragment per line.
// A file with no detectable text yields "" and no error.
func (s *Service) ExtractText(ctx context.Context, file invoice.StoredFile) (string, error) {
	data, err := s.files.Open(file.Path)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", invoice.ErrIO, file.Path, err)
	}

	pages, err := rasterize(data, file.ContentType)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", invoice.ErrExtraction, file.Filename, err)
	}

	if err := s.slot.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for OCR engine: %w", err)
	}
	defer s.slot.Release(1)

	engine, err := s.engineLocked(ctx)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var fragments []string
	for i, page := range pages {
		frags, err := engine.Recognize(ctx, page)
		if err != nil {
			// Only rasterize failures blame the document
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("recognizing page %d of %s: %w", i+1, file.Filename, err)
		}
		fragments = append(fragments, frags...)
	}

	s.logger.Debug("ocr.extracted",
		"file", file.Path,
		"pages", len(pages),
		"fragments", len(fragments),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return strings.Join(fragments, "\n"), nil
}

// engineLocked returns the shared engine, loading it if needed. The caller holds the slot.
func (s *Service) engineLocked(ctx context.Context) (Engine, error) {
	if s.engine != nil {
		return s.engine, nil
	}

	start := time.Now()
	engine, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading OCR engine: %w", err)
	}
	s.logger.Info("ocr.engine.loaded", "duration_ms", time.Since(start).Milliseconds())
	s.engine = engine
	return engine, nil
}

// Close releases the engine if it was loaded
func (s *Service) Close() error {
	if err := s.slot.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.slot.Release(1)

	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	return err
}
