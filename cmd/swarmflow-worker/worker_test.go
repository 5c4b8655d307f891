package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/swarmflow/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		ServiceName:  "swarmflow-test",
		LogLevel:     "info",
		LogFormat:    "text",
		EventBus:     config.EventBusConfig{Type: "gochannel"},
		Persistence:  config.PersistenceConfig{URL: "file://" + t.TempDir()},
		ContextStore: config.ContextStoreConfig{URL: "memory://"},
		Lock:         config.LockConfig{TTL: time.Second},
		Conversation: config.ConversationConfig{URL: "http://127.0.0.1:1", Timeout: time.Second},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorker_LoadDefinitions(t *testing.T) {
	ctx := context.Background()

	worker, err := NewWorker(ctx, "worker-1", testConfig(t), discard())
	require.NoError(t, err)
	t.Cleanup(func() { worker.close(ctx) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single.yaml"), []byte(`
id: single-v1
routine_id: single
nodes:
  - {id: only, kind: task}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	n, err := worker.LoadDefinitions(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	def, err := worker.persistence.DefinitionRepository().DefinitionByID(ctx, "single-v1")
	require.NoError(t, err)
	assert.Equal(t, "single", def.RoutineID)
}

func TestWorker_LoadDefinitionsRejectsInvalid(t *testing.T) {
	ctx := context.Background()

	worker, err := NewWorker(ctx, "worker-1", testConfig(t), discard())
	require.NoError(t, err)
	t.Cleanup(func() { worker.close(ctx) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id": "bad", "nodes": []}`), 0o600))

	_, err = worker.LoadDefinitions(ctx, dir)
	assert.Error(t, err)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	worker, err := NewWorker(ctx, "worker-1", testConfig(t), discard())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- worker.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Nil(t, worker.closers)
}

func TestNewWorker_InvalidBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.ContextStore.URL = "bogus://nowhere"

	_, err := NewWorker(context.Background(), "worker-1", cfg, discard())
	assert.Error(t, err)
}
