package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-automator/internal/invoice"
	"github.com/zombor/invoice-automator/internal/mailbox"
)

// ErrRunInProgress is returned when a run is triggered while another is active
var ErrRunInProgress = errors.New("a processing run is already in progress")

const subscriberBuffer = 64

// TextExtractor turns a stored attachment into raw text
type TextExtractor interface {
	ExtractText(ctx context.Context, file invoice.StoredFile) (string, error)
}

// DataExtractor turns raw text into the invoice schema
type DataExtractor interface {
	Extract(ctx context.Context, text string) (*invoice.Schema, error)
}

// IDGenerator generates unique run IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Deps are the pipeline stages the orchestrator drives
type Deps struct {
	Mailbox   mailbox.Client
	Files     invoice.AttachmentStore
	OCR       TextExtractor
	Extractor DataExtractor
	Repo      invoice.Repository
	// Ledger enables message-level dedup; nil disables it
	Ledger invoice.Ledger
}

// Config tunes a run
type Config struct {
	SubjectKeyword string
	Logger         *slog.Logger
}

// Orchestrator runs the ingestion pipeline, one run at a time
type Orchestrator struct {
	deps        Deps
	keyword     string
	logger      *slog.Logger
	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   RunState
	subs    map[int]chan Event
	nextSub int
}

// NewOrchestrator creates a new Orchestrator with default ID generator and time source
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	return NewOrchestratorWithDeps(deps, cfg, uuidGenerator{}, defaultTimeSource{})
}

// NewOrchestratorWithDeps creates a new Orchestrator with custom dependencies for testing
func NewOrchestratorWithDeps(deps Deps, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Orchestrator {
	if cfg.SubjectKeyword == "" {
		cfg.SubjectKeyword = "Nota Fiscal"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:        deps,
		keyword:     cfg.SubjectKeyword,
		logger:      cfg.Logger,
		idGenerator: idGen,
		timeSource:  timeSrc,
		state:       RunState{State: StateIdle, Failures: []Failure{}},
		subs:        make(map[int]chan Event),
	}
}

// Run executes one run synchronously and returns its final state. The error is
// non-nil only when the run could not start or ended FAILED.
func (o *Orchestrator) Run(ctx context.Context) (RunState, error) {
	runCtx, _, err := o.begin(ctx)
	if err != nil {
		return o.Snapshot(), err
	}
	err = o.execute(runCtx)
	return o.Snapshot(), err
}

// Start executes one run in the background and returns its ID. The run
// outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	runCtx, id, err := o.begin(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	go o.execute(runCtx)
	return id, nil
}

// Cancel asks the active run to stop before its next message. It reports
// whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.cancel()
	return true
}

// Snapshot returns a copy of the current (or last) run state
func (o *Orchestrator) Snapshot() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe returns a channel of progress events and a func to stop receiving
// them. Events are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// begin claims the run slot
func (o *Orchestrator) begin(ctx context.Context) (context.Context, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil, "", ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := o.timeSource.Now()
	o.running = true
	o.cancel = cancel
	o.state = RunState{
		ID:        o.idGenerator.Generate(),
		State:     StateIdle,
		Failures:  []Failure{},
		StartedAt: &now,
	}
	return runCtx, o.state.ID, nil
}

// execute drives one run from SEARCHING to a terminal state
func (o *Orchestrator) execute(ctx context.Context) error {
	runID := o.Snapshot().ID
	logger := o.logger.With("run_id", runID)
	logger.Info("pipeline.run.started")

	o.update(func(s *RunState) {
		s.State = StateSearching
		s.Status = "Buscando novas notas fiscais"
	})

	session, refs, err := o.search(ctx)
	if err != nil {
		logger.Error("pipeline.run.failed", "error", err)
		o.finish(StateFailed, fmt.Sprintf("Falha na busca de mensagens: %v", err), err)
		return err
	}

	refs = o.dropProcessed(ctx, logger, refs)
	total := len(refs)
	o.update(func(s *RunState) {
		s.Total = total
		s.Status = fmt.Sprintf("%d mensagens encontradas", total)
	})

	if total == 0 {
		logger.Info("pipeline.run.completed", "processed", 0)
		o.finish(StateCompleted, "Nenhuma nota fiscal nova encontrada", nil)
		return nil
	}

	for i, ref := range refs {
		if ctx.Err() != nil {
			logger.Info("pipeline.run.cancelled", "processed", i, "total", total)
			o.finish(StateCancelled, "Processamento cancelado", nil)
			return nil
		}

		o.update(func(s *RunState) {
			s.Status = fmt.Sprintf("Processando mensagem %s (%d/%d)", ref.ID, i+1, total)
		})

		retry := o.processMessage(ctx, logger, session, ref)
		if o.deps.Ledger != nil && !retry {
			if err := o.deps.Ledger.MarkProcessed(context.WithoutCancel(ctx), ref.ID); err != nil {
				logger.Warn("pipeline.ledger.mark_failed", "message_id", ref.ID, "error", err)
			}
		}

		o.update(func(s *RunState) {
			s.Processed++
			s.Status = fmt.Sprintf("Mensagem %s processada (%d/%d)", ref.ID, s.Processed, total)
		})
	}

	snap := o.Snapshot()
	logger.Info("pipeline.run.completed",
		"processed", snap.Processed,
		"saved", snap.Saved,
		"failures", len(snap.Failures),
	)
	o.finish(StateCompleted, "Processamento concluído", nil)
	return nil
}

func (o *Orchestrator) search(ctx context.Context) (mailbox.Session, []mailbox.MessageRef, error) {
	session, err := o.deps.Mailbox.Authenticate(ctx)
	if err != nil {
		return mailbox.Session{}, nil, fmt.Errorf("authenticating: %w", err)
	}
	refs, err := o.deps.Mailbox.SearchUnseenInvoices(ctx, session, mailbox.InvoiceCriteria(o.keyword))
	if err != nil {
		return mailbox.Session{}, nil, err
	}
	return session, refs, nil
}

// dropProcessed removes messages already in the ledger. Ledger errors keep the message.
func (o *Orchestrator) dropProcessed(ctx context.Context, logger *slog.Logger, refs []mailbox.MessageRef) []mailbox.MessageRef {
	if o.deps.Ledger == nil {
		return refs
	}
	fresh := make([]mailbox.MessageRef, 0, len(refs))
	for _, ref := range refs {
		seen, err := o.deps.Ledger.IsProcessed(ctx, ref.ID)
		if err != nil {
			logger.Warn("pipeline.ledger.read_failed", "message_id", ref.ID, "error", err)
		}
		if seen {
			logger.Debug("pipeline.message.skipped", "message_id", ref.ID, "reason", "already processed")
			continue
		}
		fresh = append(fresh, ref)
	}
	return fresh
}

// processMessage runs one FETCHING…SAVING cycle. It reports whether any
// failure in the cycle could succeed on a later run.
func (o *Orchestrator) processMessage(ctx context.Context, logger *slog.Logger, session mailbox.Session, ref mailbox.MessageRef) bool {
	o.setState(StateFetching)
	msg, err := o.deps.Mailbox.FetchAttachments(ctx, session, ref)
	if err != nil {
		return o.fail(logger, ref.ID, "", StageFetch, err)
	}

	retry := false
	for _, rej := range msg.Rejected {
		if o.fail(logger, ref.ID, rej.Filename, StageDecode, rej) {
			retry = true
		}
	}
	for i, att := range msg.Attachments {
		if o.processAttachment(ctx, logger, ref, attachmentKey(ref.ID, i, att.Filename), att) {
			retry = true
		}
	}
	return retry
}

// attachmentKey names one attachment of a message in the ledger
func attachmentKey(messageID string, index int, filename string) string {
	return fmt.Sprintf("%s/%d/%s", messageID, index, filename)
}

// alreadySaved reports whether an earlier run saved this attachment. Ledger errors count as not saved.
func (o *Orchestrator) alreadySaved(ctx context.Context, logger *slog.Logger, key string) bool {
	if o.deps.Ledger == nil {
		return false
	}
	seen, err := o.deps.Ledger.IsProcessed(ctx, key)
	if err != nil {
		logger.Warn("pipeline.ledger.read_failed", "key", key, "error", err)
		return false
	}
	return seen
}

// processAttachment persists, reads, extracts and saves one attachment. It
// returns true if it failed in a way a later run could fix.
func (o *Orchestrator) processAttachment(ctx context.Context, logger *slog.Logger, ref mailbox.MessageRef, key string, att mailbox.Attachment) bool {
	if o.alreadySaved(ctx, logger, key) {
		logger.Debug("pipeline.item.skipped", "message_id", ref.ID, "filename", att.Filename, "reason", "already saved")
		return false
	}

	stored, err := o.deps.Files.Persist(ref.ID, att.Filename, att.Data)
	if err != nil {
		return o.fail(logger, ref.ID, att.Filename, StagePersist, err)
	}

	o.setState(StateExtractingText)
	text, err := o.deps.OCR.ExtractText(ctx, stored)
	if err != nil {
		return o.fail(logger, ref.ID, att.Filename, StageOCR, err)
	}

	o.setState(StateExtractingData)
	schema, err := o.deps.Extractor.Extract(ctx, text)
	if schema == nil {
		if err == nil {
			err = fmt.Errorf("%w: extractor returned no data", invoice.ErrExtractionParse)
		}
		return o.fail(logger, ref.ID, att.Filename, StageExtract, err)
	}

	o.setState(StateSaving)
	// A started write is never aborted by cancellation.
	rec, err := o.deps.Repo.Save(context.WithoutCancel(ctx), *schema, stored, ref.ID)
	if err != nil {
		return o.fail(logger, ref.ID, att.Filename, StageSave, err)
	}

	o.update(func(s *RunState) { s.Saved++ })
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.MarkProcessed(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("pipeline.ledger.mark_failed", "key", key, "error", err)
		}
	}
	logger.Info("pipeline.item.saved",
		"message_id", ref.ID,
		"filename", att.Filename,
		"invoice_id", rec.ID,
		"status", rec.Status(),
	)
	return false
}

// fail records a per-item failure and reports whether a later run could succeed
func (o *Orchestrator) fail(logger *slog.Logger, messageID, filename string, stage Stage, err error) bool {
	f := Failure{
		MessageID: messageID,
		Filename:  filename,
		Stage:     stage,
		Kind:      invoice.Kind(err),
		Err:       err.Error(),
	}
	logger.Warn("pipeline.item.failed",
		"message_id", messageID,
		"filename", filename,
		"stage", stage,
		"kind", f.Kind,
		"error", err,
	)
	o.update(func(s *RunState) { s.Failures = append(s.Failures, f) })
	return isRetryable(err)
}

// isRetryable is false only for failures that depend on the attachment itself
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, invoice.ErrDecode),
		errors.Is(err, invoice.ErrExtraction),
		errors.Is(err, invoice.ErrExtractionParse):
		return false
	}
	return true
}

func (o *Orchestrator) setState(state State) {
	o.update(func(s *RunState) { s.State = state })
}

// update mutates the run state and notifies subscribers
func (o *Orchestrator) update(fn func(s *RunState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.state)
	o.emitLocked()
}

// finish moves the run to a terminal state and releases the run slot
func (o *Orchestrator) finish(state State, status string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.timeSource.Now()
	o.state.State = state
	o.state.Status = status
	o.state.FinishedAt = &now
	if err != nil {
		o.state.Err = err.Error()
	}
	o.emitLocked()

	o.cancel()
	o.running = false
}

func (o *Orchestrator) emitLocked() {
	ev := Event{
		RunID:     o.state.ID,
		State:     o.state.State,
		Processed: o.state.Processed,
		Total:     o.state.Total,
		Status:    o.state.Status,
	}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
