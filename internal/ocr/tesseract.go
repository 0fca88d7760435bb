package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		r.logger.Error("exec.failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		r.logger.Debug("exec.ok",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}

	return out.Bytes(), errb.Bytes(), err
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

// TesseractConfig configures the tesseract CLI engine
type TesseractConfig struct {
	Binary  string // default "tesseract"
	Lang    string // default "por"
	PSM     int    // page segmentation mode, default 6 (single uniform block)
	TempDir string // where page PNGs are written; default os.TempDir()
	Runner  Runner
	Logger  *slog.Logger
}

// Tesseract recognizes text by shelling out to the tesseract CLI
type Tesseract struct {
	cfg TesseractConfig
}

// NewTesseract creates a new Tesseract engine
func NewTesseract(cfg TesseractConfig) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "por"
	}
	if cfg.PSM == 0 {
		cfg.PSM = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{logger: cfg.Logger}
	}
	return &Tesseract{cfg: cfg}
}

// LoadTesseract returns a Loader that checks the binary runs before handing out the engine
func LoadTesseract(cfg TesseractConfig) Loader {
	return func(ctx context.Context) (Engine, error) {
		t := NewTesseract(cfg)
		out, _, err := t.cfg.Runner.Run(ctx, t.cfg.Binary, "--version")
		if err != nil {
			return nil, fmt.Errorf("running %s --version: %w", t.cfg.Binary, err)
		}
		version, _, _ := strings.Cut(string(out), "\n")
		t.cfg.Logger.Info("ocr.tesseract.ready", "version", strings.TrimSpace(version), "lang", t.cfg.Lang)
		return t, nil
	}
}

// Recognize writes img to a temporary PNG and runs tesseract on it
func (t *Tesseract) Recognize(ctx context.Context, img image.Image) ([]string, error) {
	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(t.cfg.TempDir, "ocr-page-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating page file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing page file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing page file: %w", err)
	}

	// tesseract <file> stdout -l <lang> --psm <n>
	args := []string{f.Name(), "stdout", "-l", t.cfg.Lang, "--psm", strconv.Itoa(t.cfg.PSM)}
	out, errb, err := t.cfg.Runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, truncate(strings.TrimSpace(string(errb)), 512))
	}
	return splitLines(string(out)), nil
}

// Close is a no-op; each call runs a fresh process
func (t *Tesseract) Close() error {
	return nil
}
