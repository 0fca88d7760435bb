package invoice

import (
	"encoding/json"
	"time"
)

// Status is the completeness indicator derived from a record's fields
type Status string

const (
	StatusOK      Status = "OK"
	StatusPending Status = "PENDING"
)

// Schema is the fixed set of fields the language model extracts from an invoice.
// Every field is nullable; a nil pointer encodes as JSON null.
type Schema struct {
	CNPJEmitente  *string  `json:"cnpj_emitente"`  // digits only
	NomeEmitente  *string  `json:"nome_emitente"`
	NumeroNota    *string  `json:"numero_nota"`
	DataEmissao   *string  `json:"data_emissao"`   // YYYY-MM-DD
	ValorTotal    *float64 `json:"valor_total"`
	ResumoServico *string  `json:"resumo_servico"`
}

// StoredFile is a persisted attachment. Path is relative to the storage root.
type StoredFile struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Record is a persisted invoice. Records are never mutated after creation.
type Record struct {
	ID int64 `json:"id"`
	Schema
	FilePath        string    `json:"file_path"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Status derives OK/PENDING from the record's fields
func (r *Record) Status() Status {
	return r.Schema.Status()
}

// Status reports PENDING when the issuer CNPJ or the total is missing, or the total is zero
func (s Schema) Status() Status {
	if s.CNPJEmitente == nil || s.ValorTotal == nil || *s.ValorTotal == 0 {
		return StatusPending
	}
	return StatusOK
}

// MarshalJSON adds the derived status to the encoded record
func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		*plain
		Status Status `json:"status"`
	}{
		plain:  (*plain)(r),
		Status: r.Status(),
	})
}

// Summary aggregates the dashboard metrics over all records
type Summary struct {
	Count      int     `json:"count"`
	Pending    int     `json:"pending"`
	TotalValue float64 `json:"total_value"`
}

// Summarize computes a Summary from a list of records
func Summarize(records []*Record) Summary {
	var s Summary
	for _, r := range records {
		s.Count++
		if r.Status() == StatusPending {
			s.Pending++
		}
		if r.ValorTotal != nil {
			s.TotalValue += *r.ValorTotal
		}
	}
	return s
}
