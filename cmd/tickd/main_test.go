package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tickd/internal/batch"
	"tickd/internal/batch/redisstore"
	"tickd/internal/broker"
	"tickd/internal/broker/redisbroker"
	"tickd/internal/category"
)

type cliEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	config string
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	path := filepath.Join(t.TempDir(), "tickd.yaml")
	body := fmt.Sprintf(`logging:
  level: warn
redis:
  addrs: [%q]
batch_store:
  driver: redis
broker:
  driver: redis
  block: 50ms
`, mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return &cliEnv{mr: mr, client: client, config: path}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSendPublishesCommand(t *testing.T) {
	env := setupCLIEnv(t)
	out, err := runCLI(t, "--config", env.config, "send", "run_collector")
	require.NoError(t, err)
	require.Contains(t, out, "sent run_collector")

	br := redisbroker.New(env.client, redisbroker.WithBlock(50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := br.Receive(ctx, broker.CommandQueue)
	require.NoError(t, err)
	cmd, err := broker.DecodeCommand(d.Body())
	require.NoError(t, err)
	require.Equal(t, broker.CommandRunCollector, cmd.Name)
	require.NoError(t, d.Ack(ctx))
}

func TestSendRejectsUnknownCommand(t *testing.T) {
	env := setupCLIEnv(t)
	_, err := runCLI(t, "--config", env.config, "send", "reboot")
	require.ErrorContains(t, err, "unknown command")
}

func TestSendRequiresSharedBroker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	_, err := runCLI(t, "--config", path, "send", "sweep")
	require.ErrorContains(t, err, "process-local")
}

func TestBatchListAndGet(t *testing.T) {
	env := setupCLIEnv(t)
	st := redisstore.New(env.client)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &batch.Batch{
		ID:          "b-123",
		Category:    category.Training,
		Items:       []batch.WorkItem{{EntityID: "e1", Category: category.Training}},
		TargetCount: 1,
		CreatedAt:   time.Now(),
	}, time.Hour))

	out, err := runCLI(t, "--config", env.config, "batch", "list")
	require.NoError(t, err)
	require.Contains(t, out, "b-123")
	require.Contains(t, out, "training")
	require.Contains(t, out, "0/1")

	out, err = runCLI(t, "--config", env.config, "batch", "list", "--json")
	require.NoError(t, err)
	var views []batchView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	require.Equal(t, "initiation", views[0].Status)

	out, err = runCLI(t, "--config", env.config, "batch", "get", "b-123")
	require.NoError(t, err)
	var v batchView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.Equal(t, "b-123", v.ID)
	require.Equal(t, 1, v.Target)
	require.Nil(t, v.Report)

	_, err = runCLI(t, "--config", env.config, "batch", "get", "missing")
	require.ErrorIs(t, err, batch.ErrNotFound)
}

func TestBatchGetShowsReportAfterDeletion(t *testing.T) {
	env := setupCLIEnv(t)
	st := redisstore.New(env.client)
	require.NoError(t, st.PutReport(context.Background(), &batch.Report{
		BatchID: "done-1", Category: category.Crafting, Status: batch.StatusCompleted,
		Outcome: batch.StatusCompletedWithWarnings, Target: 2, Generated: 1,
		Failed: []batch.FailedItem{{EntityID: "e2", Reason: "recipe missing"}},
	}, time.Hour))

	out, err := runCLI(t, "--config", env.config, "batch", "get", "done-1")
	require.NoError(t, err)
	var v batchView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.NotNil(t, v.Report)
	require.Equal(t, batch.StatusCompletedWithWarnings, v.Report.Outcome)
	require.Len(t, v.Report.Failed, 1)
}

func TestProcessCommandsRejectArgs(t *testing.T) {
	_, err := runCLI(t, "worker", "extra")
	require.Error(t, err)
}
