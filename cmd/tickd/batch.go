package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tickd/internal/app"
	"tickd/internal/batch"
	"tickd/internal/config"
)

// batchView is the operator-facing rendering of a batch record.
type batchView struct {
	ID        string        `json:"id"`
	Category  string        `json:"category"`
	Status    string        `json:"status"`
	Target    int           `json:"target_count"`
	Generated int           `json:"generated_count"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
	TTL       string        `json:"ttl,omitempty"`
	Error     string        `json:"error_message,omitempty"`
	Malformed bool          `json:"malformed,omitempty"`
	Report    *batch.Report `json:"report,omitempty"`
}

func viewOf(b *batch.Batch) batchView {
	v := batchView{
		ID:        b.ID,
		Category:  b.Category.String(),
		Status:    string(b.Status),
		Target:    b.TargetCount,
		Generated: b.GeneratedCount,
		CreatedAt: b.CreatedAt,
		Error:     b.ErrorMessage,
		Malformed: !b.Status.Valid() || !b.Category.Valid(),
	}
	if b.TTL > 0 {
		v.TTL = b.TTL.Round(time.Second).String()
	}
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect batch records and reports",
	}
	cmd.AddCommand(newBatchGetCommand(ctx), newBatchListCommand(ctx))
	return cmd
}

func newBatchGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show a batch record and its final report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return ctx.withClients(func(cfg *config.Config, cl *app.Clients) error {
				if err := app.RequireShared("batch_store", cfg.BatchStore.Driver); err != nil {
					return err
				}
				var v batchView
				b, err := cl.Batches.Get(cmd.Context(), id)
				switch {
				case err == nil, errors.Is(err, batch.ErrMalformed) && b != nil:
					v = viewOf(b)
				case errors.Is(err, batch.ErrNotFound):
					v = batchView{ID: id}
				default:
					return err
				}
				r, err := cl.Batches.GetReport(cmd.Context(), id)
				switch {
				case err == nil:
					v.Report = r
				case !errors.Is(err, batch.ErrNotFound):
					return err
				}
				if v.Status == "" && v.Report == nil {
					return fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
				}
				return writeJSON(cmd, v)
			})
		},
	}
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live batch records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClients(func(cfg *config.Config, cl *app.Clients) error {
				if err := app.RequireShared("batch_store", cfg.BatchStore.Driver); err != nil {
					return err
				}
				all, err := cl.Batches.List(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]batchView, 0, len(all))
				for _, b := range all {
					views = append(views, viewOf(b))
				}
				sort.SliceStable(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
				if asJSON {
					return writeJSON(cmd, views)
				}
				if len(views) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no batches")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderBatches(views))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderBatches(views []batchView) string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		status := v.Status
		if v.Malformed {
			status += " (malformed)"
		}
		created := ""
		if !v.CreatedAt.IsZero() {
			created = v.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			v.ID, v.Category, status,
			strconv.Itoa(v.Generated) + "/" + strconv.Itoa(v.Target),
			created, v.TTL,
		})
	}
	return renderTable(
		[]string{"ID", "Category", "Status", "Progress", "Created", "TTL"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	)
}
