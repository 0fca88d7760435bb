package pipeline

import (
	"time"
)

// State is the orchestrator's position in a run
type State string

const (
	StateIdle           State = "IDLE"
	StateSearching      State = "SEARCHING"
	StateFetching       State = "FETCHING"
	StateExtractingText State = "EXTRACTING_TEXT"
	StateExtractingData State = "EXTRACTING_DATA"
	StateSaving         State = "SAVING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether the state ends a run
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a run is in progress in this state
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// Stage names the pipeline step a failure happened in
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StagePersist Stage = "persist"
	StageOCR     Stage = "ocr"
	StageExtract Stage = "extract"
	StageSave    Stage = "save"
)

// Failure is the diagnostic for one skipped message or attachment
type Failure struct {
	MessageID string `json:"message_id"`
	Filename  string `json:"filename,omitempty"`
	Stage     Stage  `json:"stage"`
	Kind      string `json:"kind"`
	Err       string `json:"error"`
}

// RunState is the transient state of one run. It is never persisted and is
// replaced when the next run starts.
type RunState struct {
	ID         string     `json:"id,omitempty"`
	State      State      `json:"state"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Saved      int        `json:"saved"`
	Status     string     `json:"status"`
	Failures   []Failure  `json:"failures"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Err        string     `json:"error,omitempty"`
}

// Event is a progress notification sent to subscribers
type Event struct {
	RunID     string `json:"run_id"`
	State     State  `json:"state"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
}

func (r RunState) clone() RunState {
	c := r
	c.Failures = append(make([]Failure, 0, len(r.Failures)), r.Failures...)
	return c
}
