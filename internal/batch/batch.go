// Package batch holds the batch record model shared by the batcher,
// the dispatcher and the worker, and the Store they coordinate through.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"tickd/internal/category"
)

type Status string

const (
	StatusInitiation            Status = "initiation"
	StatusInProgress            Status = "in_progress"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
)

// rank orders statuses; terminal statuses share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusInitiation:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool    { return s.rank() >= 0 }
func (s Status) Terminal() bool { return s.rank() == 2 }

// CanTransition reports whether a record in from may move to to.
// Re-entering a non-terminal status is allowed so redelivered work can
// resume; terminal statuses never change.
func CanTransition(from, to Status) bool {
	if !to.Valid() || from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	return to.rank() > from.rank()
}

// MaxErrorMessage caps error_message so one bad batch cannot bloat the store.
const MaxErrorMessage = 1024

// TruncateError shortens msg to at most MaxErrorMessage bytes without
// splitting a UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessage {
		return msg
	}
	cut := MaxErrorMessage - 3
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

// WorkItem is one unit of work inside a batch.
type WorkItem struct {
	EntityID string            `json:"entity_id"`
	Category category.Category `json:"category"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// TickPayload is the payload the collector attaches to due-entity items.
type TickPayload struct {
	DueAt         time.Time `json:"due_at"`
	LastProcessed time.Time `json:"last_processed_at,omitempty"`
}

// Batch is the stored record for one chunk of work.
type Batch struct {
	ID             string
	Category       category.Category
	Items          []WorkItem
	Status         Status
	TargetCount    int
	GeneratedCount int
	CreatedAt      time.Time
	ErrorMessage   string
	// TTL is the remaining lifetime reported by the store; zero if unknown.
	TTL time.Duration
}

// Ref identifies a batch that was written and can be dispatched.
type Ref struct {
	BatchID  string
	Category category.Category
}

// Message is the dispatch body. Category is omitted on the generation queue.
type Message struct {
	BatchID  string `json:"batch_id"`
	Category string `json:"category,omitempty"`
}

var ErrInvalidMessage = errors.New("batch: invalid dispatch message")

// EncodeMessage renders the queue body for ref.
func EncodeMessage(ref Ref) []byte {
	m := Message{BatchID: ref.BatchID}
	if ref.Category != category.Generation {
		m.Category = ref.Category.String()
	}
	b, _ := json.Marshal(m)
	return b
}

// DecodeMessage parses a queue body. queue is used to infer the category
// for generation messages.
func DecodeMessage(queue string, body []byte) (Ref, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.BatchID == "" {
		return Ref{}, fmt.Errorf("%w: missing batch_id", ErrInvalidMessage)
	}
	ref := Ref{BatchID: m.BatchID}
	if m.Category == "" {
		if queue != category.Generation.Queue() {
			return Ref{}, fmt.Errorf("%w: missing category", ErrInvalidMessage)
		}
		ref.Category = category.Generation
		return ref, nil
	}
	c, err := category.Parse(m.Category)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ref.Category = c
	return ref, nil
}

// FailedItem records one item the worker could not process.
type FailedItem struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

// Report is the worker's final account of a batch. It outlives the batch
// record so callers can poll the outcome.
type Report struct {
	BatchID    string            `json:"batch_id"`
	Category   category.Category `json:"category,omitempty"`
	Status     Status            `json:"status"`
	Outcome    Status            `json:"outcome"`
	Target     int               `json:"target"`
	Generated  int               `json:"generated"`
	Failed     []FailedItem      `json:"failed,omitempty"`
	Error      string            `json:"error,omitempty"`
	Note       string            `json:"note,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}
