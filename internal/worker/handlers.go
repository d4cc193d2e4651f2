package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tickd/internal/batch"
	"tickd/internal/category"
	"tickd/internal/storage"
)

// ItemFunc processes one work item. It must be safe to call again for the
// same item, since batches are delivered at least once.
type ItemFunc func(ctx context.Context, it batch.WorkItem) error

// Handlers holds one processing function per category.
type Handlers struct {
	Exploration ItemFunc
	Training    ItemFunc
	Crafting    ItemFunc
	Generation  ItemFunc
}

// For returns the function for c, or nil if c has none.
func (h Handlers) For(c category.Category) ItemFunc {
	switch c {
	case category.Exploration:
		return h.Exploration
	case category.Training:
		return h.Training
	case category.Crafting:
		return h.Crafting
	case category.Generation:
		return h.Generation
	default:
		return nil
	}
}

// DefaultHandlers applies ticks through the processed-tick log, so a
// redelivered batch never applies the same tick twice. Generation items are
// validated and handed on as-is.
func DefaultHandlers(st storage.Store) Handlers {
	tick := func(ctx context.Context, it batch.WorkItem) error {
		var p batch.TickPayload
		if len(it.Payload) == 0 {
			return errors.New("missing tick payload")
		}
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return fmt.Errorf("invalid tick payload: %w", err)
		}
		if p.DueAt.IsZero() {
			return errors.New("tick payload has no due_at")
		}
		_, err := st.RecordTick(ctx, it.EntityID, it.Category, p.DueAt)
		return err
	}
	return Handlers{
		Exploration: tick,
		Training:    tick,
		Crafting:    tick,
		Generation:  validateInstructions,
	}
}

func validateInstructions(_ context.Context, it batch.WorkItem) error {
	raw := bytes.TrimSpace(it.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("empty instructions")
	}
	if !json.Valid(raw) {
		return errors.New("instructions are not valid JSON")
	}
	return nil
}
