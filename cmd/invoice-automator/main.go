package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-automator/internal/api"
	"github.com/zombor/invoice-automator/internal/extraction"
	"github.com/zombor/invoice-automator/internal/invoice"
	"github.com/zombor/invoice-automator/internal/mailbox"
	"github.com/zombor/invoice-automator/internal/ocr"
	"github.com/zombor/invoice-automator/internal/pipeline"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-automator")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbDriver       = fs.StringLong("db-driver", "sqlite", "Database driver: 'sqlite' or 'bolt'")
		dbPath         = fs.StringLong("db", "data/invoices.db", "Database file path")
		storagePath    = fs.StringLong("storage", "./downloads", "Attachment storage directory")
		mailboxType    = fs.StringLong("mailbox", "http", "Mailbox type: 'http' or 'demo'")
		mailboxURL     = fs.StringLong("mailbox-url", "http://localhost/api/v1", "Mail server API base URL")
		mailboxUser    = fs.StringLong("mailbox-user", "user", "Mail server username")
		mailboxPass    = fs.StringLong("mailbox-pass", "pass", "Mail server password")
		mailboxTimeout = fs.DurationLong("mailbox-timeout", 30*time.Second, "Mail server request timeout")
		subjectKeyword = fs.StringLong("subject-keyword", "Nota Fiscal", "Subject keyword that marks invoice messages")
		llmType        = fs.StringLong("llm", "ollama", "Extraction backend: 'ollama' or 'gemini'")
		llmURL         = fs.StringLong("llm-url", "http://localhost:11434/api/generate", "Ollama generate endpoint")
		llmModel       = fs.StringLong("llm-model", "phi3:3.8b", "Ollama model name")
		llmTimeout     = fs.DurationLong("llm-timeout", 60*time.Second, "Language model request timeout")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ocrType        = fs.StringLong("ocr", "tesseract", "OCR engine: 'tesseract' or 'gemini'")
		tesseractBin   = fs.StringLong("tesseract", "tesseract", "Path to the tesseract binary")
		ocrLang        = fs.StringLong("ocr-lang", "por", "Tesseract language")
		dedup          = fs.BoolDefault(0, "dedup", true, "Skip messages that were already processed")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		runOnce        = fs.BoolLong("run-once", "Run the pipeline once, print the result and exit")
		list           = fs.BoolLong("list", "Print the stored invoices and exit")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_AUTOMATOR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Initialize database
	slog.Info("Initializing database...", "driver", *dbDriver, "path", *dbPath)
	store, err := invoice.Open(*dbDriver, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if *list {
		if err := printInvoices(context.Background(), os.Stdout, store); err != nil {
			slog.Error("Failed to list invoices", "error", err)
			os.Exit(1)
		}
		return
	}

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	files, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	needsGemini := *ocrType == "gemini" || *llmType == "gemini"
	if needsGemini && apiKey == "" {
		slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		os.Exit(1)
	}

	// Initialize mailbox based on type
	var box mailbox.Client
	switch *mailboxType {
	case "http":
		slog.Info("Initializing mailbox...", "url", *mailboxURL, "user", *mailboxUser)
		box = mailbox.NewHTTPClient(mailbox.HTTPConfig{
			BaseURL:  *mailboxURL,
			Username: *mailboxUser,
			Password: *mailboxPass,
			Timeout:  *mailboxTimeout,
		})
	case "demo":
		slog.Info("Using the offline demo mailbox")
		box = mailbox.Demo()
	default:
		slog.Error("Invalid mailbox type", "type", *mailboxType, "valid", "http or demo")
		os.Exit(1)
	}

	// The OCR engine is loaded on first use
	var loader ocr.Loader
	switch *ocrType {
	case "tesseract":
		loader = ocr.LoadTesseract(ocr.TesseractConfig{Binary: *tesseractBin, Lang: *ocrLang})
	case "gemini":
		loader = ocr.LoadGeminiVision(apiKey, *geminiModel)
	default:
		slog.Error("Invalid OCR engine", "type", *ocrType, "valid", "tesseract or gemini")
		os.Exit(1)
	}
	textService := ocr.NewService(files, loader, nil)
	defer textService.Close()

	// Initialize extractor based on type
	var extractor extraction.Extractor
	switch *llmType {
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *llmURL, "model", *llmModel)
		extractor = extraction.NewOllama(extraction.OllamaConfig{
			URL:     *llmURL,
			Model:   *llmModel,
			Timeout: *llmTimeout,
		})
	case "gemini":
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = extraction.NewGemini(context.Background(), apiKey, *geminiModel, nil)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid extraction backend", "type", *llmType, "valid", "ollama or gemini")
		os.Exit(1)
	}
	defer extractor.Close()

	deps := pipeline.Deps{
		Mailbox:   box,
		Files:     files,
		OCR:       textService,
		Extractor: extractor,
		Repo:      store,
	}
	if *dedup {
		deps.Ledger = store
	}
	orchestrator := pipeline.NewOrchestrator(deps, pipeline.Config{SubjectKeyword: *subjectKeyword})

	if *runOnce {
		os.Exit(runOnceAndReport(orchestrator, os.Stdout))
	}

	// Initialize server
	basicAuth := api.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := api.NewServer(orchestrator, store, files, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	if orchestrator.Cancel() {
		slog.Info("Cancelled the active run")
	}
}

// runOnceAndReport runs the pipeline once, prints the outcome and returns the exit code
func runOnceAndReport(orchestrator *pipeline.Orchestrator, out io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := orchestrator.Run(ctx)
	fmt.Fprintf(out, "%s: %s\n", state.State, state.Status)
	fmt.Fprintf(out, "processed %d/%d messages, saved %d invoices\n", state.Processed, state.Total, state.Saved)
	for _, f := range state.Failures {
		fmt.Fprintf(out, "  %s %s [%s] %s: %s\n", f.MessageID, f.Filename, f.Stage, f.Kind, f.Err)
	}
	if err != nil {
		slog.Error("Run failed", "error", err)
		return 1
	}
	return 0
}

// printInvoices writes every record as an aligned table
func printInvoices(ctx context.Context, out io.Writer, repo invoice.Repository) error {
	records, err := repo.QueryAll(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCNPJ\tEMITENTE\tNOTA\tEMISSÃO\tVALOR\tSTATUS\tARQUIVO")
	for _, r := range records {
		valor := "-"
		if r.ValorTotal != nil {
			valor = fmt.Sprintf("%.2f", *r.ValorTotal)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, orDash(r.CNPJEmitente), orDash(r.NomeEmitente), orDash(r.NumeroNota),
			orDash(r.DataEmissao), valor, r.Status(), r.FilePath)
	}
	summary := invoice.Summarize(records)
	fmt.Fprintf(tw, "\n%d invoices, %d pending, total %.2f\n", summary.Count, summary.Pending, summary.TotalValue)
	return tw.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
