package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLogger appends every published event to a rotated JSONL file so
// sync activity can be reconstructed after the fact.
type AuditLogger struct {
	mu    sync.Mutex
	out   *lumberjack.Logger
	unsub func()
}

// NewAuditLogger creates an audit logger writing to logPath and wires
// it to every event type on the bus.
func NewAuditLogger(bus *Bus, logPath string, maxSizeMB, maxBackups, maxAgeDays int) *AuditLogger {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	l := &AuditLogger{
		out: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
	}
	l.unsub = bus.SubscribeAll(l.write, nil)
	return l
}

func (l *AuditLogger) write(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(data)
}

// Close detaches from the bus and closes the log file.
func (l *AuditLogger) Close() error {
	if l.unsub != nil {
		l.unsub()
	}
	if err := l.out.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
