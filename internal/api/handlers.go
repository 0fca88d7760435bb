package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/zombor/invoice-automator/internal/invoice"
	"github.com/zombor/invoice-automator/internal/pipeline"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api.response.encode_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

// handleStartRun triggers a background run
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id, err := s.runner.Start(r.Context())
	if errors.Is(err, pipeline.ErrRunInProgress) {
		s.writeJSON(w, http.StatusConflict, s.runner.Snapshot())
		return
	}
	if err != nil {
		s.logger.Error("api.run.start_failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Snapshot())
}

// handleCancelRun asks the active run to stop before its next message
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Cancel() {
		s.writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.runner.Snapshot())
}

// handleRunEvents streams progress events as Server-Sent Events until the client goes away.
// The first event is the current snapshot.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap := s.runner.Snapshot()
	if err := writeEvent(w, pipeline.Event{
		RunID:     snap.ID,
		State:     snap.State,
		Processed: snap.Processed,
		Total:     snap.Total,
		Status:    snap.Status,
	}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("api.events.write_failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}

// handleListInvoices returns every record, newest first
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.QueryAll(r.Context())
	if err != nil {
		s.logger.Error("api.invoices.list_failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Always return an array, not null
	if records == nil {
		records = []*invoice.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// lookup resolves the {id} path value, writing the error response when it fails
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*invoice.Record, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid invoice id")
		return nil, false
	}

	rec, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, invoice.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Invoice not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("api.invoices.get_failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleGetInvoiceFile returns the stored attachment a record was extracted from
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}

	data, err := s.files.Open(rec.FilePath)
	if err != nil {
		s.logger.Warn("api.invoices.file_missing", "id", rec.ID, "path", rec.FilePath, "error", err)
		s.writeError(w, http.StatusNotFound, "File not found")
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(rec.FilePath))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": rec.FilePath}))
	w.Write(data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.QueryAll(r.Context())
	if err != nil {
		s.logger.Error("api.invoices.summary_failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, invoice.Summarize(records))
}

// handleExport returns every record as an XLSX workbook
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.QueryAll(r.Context())
	if err != nil {
		s.logger.Error("api.invoices.export_failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	data, err := invoice.ExportXLSX(records)
	if err != nil {
		s.logger.Error("api.invoices.export_failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="notas_fiscais.xlsx"`)
	w.Write(data)
}
