package batch

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"tickd/internal/category"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiation, StatusInProgress, true},
		{StatusInitiation, StatusFailed, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCompletedWithWarnings, true},
		{StatusInProgress, StatusInitiation, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusInitiation, Status("bogus"), false},
		{Status("bogus"), StatusFailed, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFieldsRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Batch{
		ID:          "b1",
		Category:    category.Training,
		Items:       []WorkItem{{EntityID: "e1", Category: category.Training}, {EntityID: "e2", Category: category.Training}},
		TargetCount: 2,
		CreatedAt:   created,
	}
	f, err := EncodeFields(in)
	require.NoError(t, err)
	require.Equal(t, "initiation", f[FieldStatus])
	require.Equal(t, "0", f[FieldGenerated])
	require.Equal(t, "2", f[FieldTarget])

	out, err := DecodeFields("b1", f)
	require.NoError(t, err)
	require.Equal(t, StatusInitiation, out.Status)
	require.Equal(t, category.Training, out.Category)
	require.Len(t, out.Items, 2)
	require.True(t, created.Equal(out.CreatedAt))
}

func TestDecodeFieldsMalformed(t *testing.T) {
	good, err := EncodeFields(&Batch{Category: category.Crafting, Items: []WorkItem{{EntityID: "e", Category: category.Crafting}}, TargetCount: 1})
	require.NoError(t, err)

	tests := map[string]func(map[string]string){
		"bad status":      func(f map[string]string) { f[FieldStatus] = "lost" },
		"bad category":    func(f map[string]string) { f[FieldCategory] = "fishing" },
		"bad specs":       func(f map[string]string) { f[FieldSpecs] = "{" },
		"missing specs":   func(f map[string]string) { delete(f, FieldSpecs) },
		"count mismatch":  func(f map[string]string) { f[FieldTarget] = "5" },
		"negative target": func(f map[string]string) { f[FieldTarget] = "-1" },
		"no entity":       func(f map[string]string) { f[FieldSpecs] = `[{"entity_id":""}]` },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := make(map[string]string, len(good))
			for k, v := range good {
				f[k] = v
			}
			mutate(f)
			b, err := DecodeFields("x", f)
			require.ErrorIs(t, err, ErrMalformed)
			require.NotNil(t, b)
			require.Equal(t, "x", b.ID)
		})
	}
}

func TestMessageEncoding(t *testing.T) {
	body := EncodeMessage(Ref{BatchID: "b1", Category: category.Exploration})
	require.JSONEq(t, `{"batch_id":"b1","category":"exploration"}`, string(body))

	ref, err := DecodeMessage("tick.exploration", body)
	require.NoError(t, err)
	require.Equal(t, Ref{BatchID: "b1", Category: category.Exploration}, ref)

	gen := EncodeMessage(Ref{BatchID: "g1", Category: category.Generation})
	require.JSONEq(t, `{"batch_id":"g1"}`, string(gen))
	ref, err = DecodeMessage("generation", gen)
	require.NoError(t, err)
	require.Equal(t, category.Generation, ref.Category)

	_, err = DecodeMessage("tick.training", gen)
	require.True(t, errors.Is(err, ErrInvalidMessage))
	_, err = DecodeMessage("tick.training", []byte("nope"))
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 5000)
	got := TruncateError(long)
	require.Len(t, got, MaxErrorMessage)
	require.True(t, strings.HasSuffix(got, "..."))
	require.Equal(t, "short", TruncateError("short"))

	// "é" is two bytes; the cut lands inside one.
	wide := strings.Repeat("é", 1000)
	got = TruncateError(wide)
	require.True(t, utf8.ValidString(got))
	require.LessOrEqual(t, len(got), MaxErrorMessage)
	require.Equal(t, MaxErrorMessage-1, len(got))
}
