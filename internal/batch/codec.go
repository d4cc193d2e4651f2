package batch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tickd/internal/category"
)

// Hash field names of a stored batch.
const (
	FieldStatus    = "status"
	FieldCategory  = "category"
	FieldSpecs     = "specs_json"
	FieldTarget    = "target_count_in_chunk"
	FieldGenerated = "generated_count_in_chunk"
	FieldCreatedAt = "created_at"
	FieldError     = "error_message"
)

// EncodeFields renders b as the flat field map written in one operation.
func EncodeFields(b *Batch) (map[string]string, error) {
	items := b.Items
	if items == nil {
		items = []WorkItem{}
	}
	specs, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("batch: encode specs: %w", err)
	}
	status := b.Status
	if status == "" {
		status = StatusInitiation
	}
	f := map[string]string{
		FieldStatus:    string(status),
		FieldCategory:  b.Category.String(),
		FieldSpecs:     string(specs),
		FieldTarget:    strconv.Itoa(b.TargetCount),
		FieldGenerated: strconv.Itoa(b.GeneratedCount),
		FieldCreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if b.ErrorMessage != "" {
		f[FieldError] = TruncateError(b.ErrorMessage)
	}
	return f, nil
}

// DecodeFields parses a stored field map.
//
// A malformed record yields a partially filled *Batch (ID, raw status,
// whatever parsed) together with an error wrapping ErrMalformed, so callers
// can still report on it.
func DecodeFields(id string, f map[string]string) (*Batch, error) {
	b := &Batch{
		ID:           id,
		Status:       Status(f[FieldStatus]),
		ErrorMessage: f[FieldError],
	}
	if !b.Status.Valid() {
		return b, malformed(id, "invalid status %q", f[FieldStatus])
	}
	if raw, ok := f[FieldCreatedAt]; ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			b.CreatedAt = t
		}
	}
	c, err := category.Parse(f[FieldCategory])
	if err != nil {
		return b, malformed(id, "category: %v", err)
	}
	b.Category = c

	target, err := strconv.Atoi(f[FieldTarget])
	if err != nil || target < 0 {
		return b, malformed(id, "invalid %s %q", FieldTarget, f[FieldTarget])
	}
	b.TargetCount = target
	generated, err := strconv.Atoi(f[FieldGenerated])
	if err != nil || generated < 0 {
		return b, malformed(id, "invalid %s %q", FieldGenerated, f[FieldGenerated])
	}
	b.GeneratedCount = generated

	raw, ok := f[FieldSpecs]
	if !ok {
		return b, malformed(id, "missing %s", FieldSpecs)
	}
	if err := json.Unmarshal([]byte(raw), &b.Items); err != nil {
		return b, malformed(id, "%s: %v", FieldSpecs, err)
	}
	if len(b.Items) != b.TargetCount {
		return b, malformed(id, "%s=%d but %d items", FieldTarget, b.TargetCount, len(b.Items))
	}
	for i, it := range b.Items {
		if it.EntityID == "" {
			return b, malformed(id, "item %d has no entity_id", i)
		}
	}
	return b, nil
}

func malformed(id, format string, args ...any) error {
	return fmt.Errorf("%w: batch %s: %s", ErrMalformed, id, fmt.Sprintf(format, args...))
}
