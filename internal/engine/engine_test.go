package engine

import (
	"bytes"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/conflict"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"info":    LogLevelInfo,
		"warn":    LogLevelWarn,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"ERROR":   LogLevelError,
		"":        LogLevelInfo,
		"bogus":   LogLevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "input %q", in)
	}
}

func TestLogRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	e := &Engine{logLevel: LogLevelWarn, logger: log.New(&buf, "", 0)}

	e.log(LogLevelDebug, "hidden")
	e.log(LogLevelInfo, "hidden too")
	assert.Empty(t, buf.String())

	e.log(LogLevelWarn, "visible %d", 1)
	e.log(LogLevelError, "visible %d", 2)
	assert.Contains(t, buf.String(), "WARN engine: visible 1")
	assert.Contains(t, buf.String(), "ERROR engine: visible 2")
}

func TestRecheckConflictsCoversRestoredOperations(t *testing.T) {
	e, err := newEngine(t.TempDir(), model.DefaultConfig(), io.Discard, nil)
	require.NoError(t, err)

	// Two task-status updates on the same spec, written to the queue
	// file by the CLI while no engine was running.
	q := queue.New(3)
	_, err = q.Enqueue(model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{
		Spec: "auth", TaskNumber: "1", TaskStatus: model.TaskStatusCompleted,
	}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)
	_, err = q.Enqueue(model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{
		Spec: "auth", TaskNumber: "1", TaskStatus: model.TaskStatusInProgress,
	}, model.PriorityNormal, model.SourceServer)
	require.NoError(t, err)

	e.queue = q
	e.resolver = conflict.NewResolver(q, nil, nil, 3, nil)

	e.recheckConflicts()

	active := e.resolver.Active()
	require.Len(t, active, 1)
	assert.Equal(t, conflict.TypeConcurrentOperation, active[0].Type)
	assert.True(t, e.resolver.Blocked("auth"))
}

func TestShutdownUnblocksSignalWait(t *testing.T) {
	e, err := newEngine(t.TempDir(), model.DefaultConfig(), io.Discard, nil)
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		e.waitSignals()
		close(returned)
	}()

	// No signal is delivered; a control-socket shutdown must still
	// release the wait.
	e.Shutdown()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("waitSignals did not return after Shutdown")
	}
}

func TestTransportFactorySelection(t *testing.T) {
	newTestEngine := func(adapter model.AdapterConfig) *Engine {
		cfg := model.DefaultConfig()
		cfg.Adapter = adapter
		e, err := newEngine(t.TempDir(), cfg, io.Discard, nil)
		require.NoError(t, err)
		return e
	}

	t.Run("stdio requires server command", func(t *testing.T) {
		e := newTestEngine(model.AdapterConfig{Transport: "stdio"})
		_, err := e.transportFactory()
		assert.ErrorContains(t, err, "server_command")
	})

	t.Run("stdio with command", func(t *testing.T) {
		e := newTestEngine(model.AdapterConfig{
			Transport:     "stdio",
			ServerCommand: []string{"spec-server", "--stdio"},
		})
		factory, err := e.transportFactory()
		require.NoError(t, err)
		transport, err := factory()
		require.NoError(t, err)
		assert.Equal(t, "stdio", transport.Kind())
	})

	t.Run("http requires url", func(t *testing.T) {
		e := newTestEngine(model.AdapterConfig{Transport: "http"})
		_, err := e.transportFactory()
		assert.ErrorContains(t, err, "server_url")
	})

	t.Run("http with url", func(t *testing.T) {
		e := newTestEngine(model.AdapterConfig{
			Transport: "http",
			ServerURL: "http://localhost:9876/rpc",
		})
		factory, err := e.transportFactory()
		require.NoError(t, err)
		transport, err := factory()
		require.NoError(t, err)
		assert.Equal(t, "http", transport.Kind())
	})

	t.Run("unknown transport rejected", func(t *testing.T) {
		e := newTestEngine(model.AdapterConfig{Transport: "carrier-pigeon"})
		_, err := e.transportFactory()
		assert.ErrorContains(t, err, "carrier-pigeon")
	})
}
