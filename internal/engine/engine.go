// Package engine assembles the sync engine process: queue restore,
// RPC client, coordinator, conflict resolver, filesystem watcher and
// event log, with single-instance locking and graceful shutdown.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/specsync/internal/conflict"
	"github.com/msageha/specsync/internal/coordinator"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/lock"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
	"github.com/msageha/specsync/internal/rpc"
	"github.com/msageha/specsync/internal/store"
	"github.com/msageha/specsync/internal/uds"
	"github.com/msageha/specsync/internal/watcher"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// QueueFileName is the persisted queue document inside the data dir.
const QueueFileName = "queue.json"

// ConflictsFileName is the persisted active conflict set.
const ConflictsFileName = "conflicts.json"

// Engine is the long-running sync engine process.
type Engine struct {
	dataDir string
	config  model.Config

	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock

	bus      *events.Bus
	audit    *events.AuditLogger
	queue    *queue.Queue
	client   *rpc.Client
	coord    *coordinator.Coordinator
	resolver *conflict.Resolver
	watch    *watcher.Watcher
	server   *uds.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// New creates an Engine rooted at dataDir. Logs rotate through
// lumberjack under <dataDir>/logs.
func New(dataDir string, cfg model.Config) (*Engine, error) {
	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = filepath.Join(dataDir, "logs", "engine.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   true,
	}
	return newEngine(dataDir, cfg, logFile, logFile)
}

// newEngine is the internal constructor for testing.
func newEngine(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "engine.lock")),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	return e, nil
}

// Run starts the engine and blocks until shutdown completes.
func (e *Engine) Run() error {
	if err := os.MkdirAll(filepath.Join(e.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := e.fileLock.TryLock(); err != nil {
		return fmt.Errorf("engine lock: %w", err)
	}
	e.log(LogLevelInfo, "engine starting pid=%d", os.Getpid())

	e.bus = events.NewBus(64)
	e.audit = events.NewAuditLogger(e.bus,
		filepath.Join(e.dataDir, "logs", "events.jsonl"),
		e.config.Logging.MaxSizeMB, e.config.Logging.MaxBackups, e.config.Logging.MaxAgeDays)

	// Restore the persisted queue; in-progress operations from the
	// previous run come back as pending.
	queuePath := filepath.Join(e.dataDir, QueueFileName)
	doc, err := store.LoadQueueDocument(e.dataDir, queuePath)
	if err != nil {
		e.cleanup()
		return fmt.Errorf("load queue document: %w", err)
	}
	e.queue = queue.New(e.config.Queue.MaxRetries)
	if err := e.queue.Restore(doc); err != nil {
		e.cleanup()
		return fmt.Errorf("restore queue: %w", err)
	}
	e.log(LogLevelInfo, "queue restored operations=%d version=%d", len(doc.Operations), doc.Version)

	factory, err := e.transportFactory()
	if err != nil {
		e.cleanup()
		return err
	}
	e.client = rpc.NewClient(factory, rpc.Options{
		RequestTimeout:    e.config.RequestTimeout(),
		HeartbeatInterval: e.config.HeartbeatInterval(),
		RetryAttempts:     e.config.Adapter.RetryAttempts,
		RetryDelay:        e.config.RetryDelay(),
		Logger:            e.logger,
	})

	e.coord = coordinator.New(e.config, e.queue, e.client, e.bus, queuePath, e.logger)
	e.resolver = conflict.NewResolver(e.queue, e.coord, e.bus, e.config.Conflict.EscalationThreshold, e.logger)
	if err := e.resolver.SetPersistPath(filepath.Join(e.dataDir, ConflictsFileName)); err != nil {
		e.log(LogLevelWarn, "restore conflicts: %v", err)
	}
	e.coord.SetBlocker(e.resolver)

	e.recheckConflicts()

	specsDir := e.config.Engine.SpecsDir
	if specsDir == "" {
		specsDir = filepath.Join(e.dataDir, "specs")
	}
	if err := os.MkdirAll(specsDir, 0755); err != nil {
		e.cleanup()
		return fmt.Errorf("ensure specs dir %s: %w", specsDir, err)
	}
	e.watch = watcher.New(specsDir, e.config.DebounceInterval(), e.logger)
	if err := e.watch.Start(); err != nil {
		e.cleanup()
		return fmt.Errorf("start watcher: %w", err)
	}

	e.server = uds.NewServer(filepath.Join(e.dataDir, uds.DefaultSocketName), e.logger)
	e.registerHandlers()
	if err := e.server.Start(); err != nil {
		e.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	// The server may be down at startup; the coordinator queues work
	// while the client keeps reconnecting in the background.
	if err := e.client.Connect(e.ctx); err != nil {
		e.log(LogLevelWarn, "initial connect failed: %v", err)
	}

	e.coord.Start()
	e.wg.Add(3)
	go e.fileChangeLoop()
	go e.notificationLoop()
	go e.connectionLoop()

	e.log(LogLevelInfo, "engine ready data_dir=%s specs_dir=%s transport=%s",
		e.dataDir, specsDir, e.config.Adapter.Transport)

	e.waitSignals()
	return nil
}

func (e *Engine) transportFactory() (rpc.TransportFactory, error) {
	switch e.config.Adapter.Transport {
	case "stdio", "":
		cmd := e.config.Adapter.ServerCommand
		if len(cmd) == 0 {
			return nil, fmt.Errorf("stdio transport requires adapter.server_command")
		}
		return func() (rpc.Transport, error) {
			return rpc.NewStdioTransport(cmd, e.logger), nil
		}, nil
	case "http":
		url := e.config.Adapter.ServerURL
		if url == "" {
			return nil, fmt.Errorf("http transport requires adapter.server_url")
		}
		return func() (rpc.Transport, error) {
			return rpc.NewHTTPTransport(url, nil), nil
		}, nil
	case "socket":
		addr := e.config.Adapter.ServerURL
		return func() (rpc.Transport, error) {
			return rpc.NewSocketTransport(addr), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", e.config.Adapter.Transport)
	}
}

// recheckConflicts runs conflict detection over every non-terminal
// operation. Operations admitted while no engine was running (the CLI
// writes straight to the queue file) have never been checked, so this
// runs before dispatch starts.
func (e *Engine) recheckConflicts() {
	for _, op := range e.queue.List() {
		if !model.IsTerminal(op.Status) {
			e.resolver.NoteOperation(op)
		}
	}
}

// Enqueue admits an operation and immediately checks it for conflicts
// with other active operations on the same specification.
func (e *Engine) Enqueue(kind model.Kind, params model.Params, priority model.Priority, source model.Source) (model.Operation, error) {
	op, err := e.coord.Enqueue(kind, params, priority, source)
	if err != nil {
		return model.Operation{}, err
	}
	e.resolver.NoteOperation(op)
	return op, nil
}

// Coordinator exposes queue commands to the CLI surface.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Resolver exposes conflict commands to the CLI surface.
func (e *Engine) Resolver() *conflict.Resolver { return e.resolver }

// Bus exposes the event stream to observers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// fileChangeLoop feeds debounced file changes to the conflict resolver.
func (e *Engine) fileChangeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fc, ok := <-e.watch.Changes():
			if !ok {
				return
			}
			e.log(LogLevelDebug, "file change spec=%s path=%s", fc.SpecID, fc.Path)
			e.resolver.NoteFileChange(fc)
		}
	}
}

// notificationLoop republishes server-initiated notifications on the
// event bus.
func (e *Engine) notificationLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case n, ok := <-e.client.Events():
			if !ok {
				return
			}
			e.handleNotification(n)
		}
	}
}

func (e *Engine) handleNotification(n rpc.Notification) {
	switch n.Method {
	case "spec.updated":
		var p struct {
			SpecID  string `json:"spec_id"`
			Version int    `json:"version"`
		}
		if len(n.Params) == 0 {
			return
		}
		if err := json.Unmarshal(n.Params, &p); err != nil {
			e.log(LogLevelWarn, "bad spec.updated notification: %v", err)
			return
		}
		e.bus.Publish(events.Event{
			Type:   events.EventSpecUpdated,
			SpecID: p.SpecID,
			Data:   map[string]any{"version": p.Version, "origin": "server"},
		})
		e.resolver.NoteFileChange(conflict.FileChange{
			SpecID:  p.SpecID,
			Version: p.Version,
			Time:    time.Now().UTC(),
		})
	default:
		e.log(LogLevelDebug, "ignoring server notification method=%s", n.Method)
	}
}

// connectionLoop mirrors the adapter's connection state into the sync
// state so status consumers see server_online flips as events.
func (e *Engine) connectionLoop() {
	defer e.wg.Done()
	interval := e.config.HeartbeatInterval() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.coord.NoteServerOnline(e.client.Status().Connected)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or Shutdown
// runs through another path, such as the control socket.
func (e *Engine) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-e.done:
		return
	case sig := <-sigCh:
		e.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	}

	// A second signal forces exit.
	go func() {
		<-sigCh
		e.log(LogLevelWarn, "received second signal, forcing exit")
		e.forceExit.Store(true)
		os.Exit(1)
	}()

	e.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.log(LogLevelInfo, "shutdown started")

		e.cancel()

		if e.server != nil {
			e.server.Stop()
		}
		if e.watch != nil {
			e.watch.Close()
		}
		if e.coord != nil {
			e.coord.Stop()
		}
		if e.client != nil {
			e.client.Disconnect()
		}

		timeout := e.config.Engine.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			e.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			e.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		if e.audit != nil {
			e.audit.Close()
		}
		if e.bus != nil {
			e.bus.Close()
		}
		e.cleanup()
		e.log(LogLevelInfo, "engine stopped")
		close(e.done)
	})
}

func (e *Engine) cleanup() {
	e.fileLock.Unlock()
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
