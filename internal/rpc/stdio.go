package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
)

// maxLineBytes bounds a single newline-delimited envelope (10MB).
const maxLineBytes = 10 * 1024 * 1024

// StdioTransport spawns the peer as a child process and exchanges
// newline-delimited JSON envelopes over its standard streams. The
// child's stderr is forwarded to the logger line by line.
type StdioTransport struct {
	command []string
	logger  *log.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recv   chan *Message
	err    error
	closed bool
}

func NewStdioTransport(command []string, logger *log.Logger) *StdioTransport {
	return &StdioTransport{
		command: command,
		logger:  logger,
		recv:    make(chan *Message, 64),
	}
}

func (t *StdioTransport) Kind() string { return "stdio" }

func (t *StdioTransport) Connect(ctx context.Context) error {
	if len(t.command) == 0 {
		return &TransportError{Op: "spawn", Err: fmt.Errorf("no server command configured")}
	}

	cmd := exec.CommandContext(ctx, t.command[0], t.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)

	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed envelope: log and drop, keep the stream alive.
			t.logf("dropping malformed message: %v", &ProtocolError{Reason: err.Error()})
			continue
		}
		t.recv <- &msg
	}

	waitErr := t.cmd.Wait()

	t.mu.Lock()
	if !t.closed {
		if scanErr := scanner.Err(); scanErr != nil {
			t.err = &TransportError{Op: "read", Err: scanErr}
		} else if waitErr != nil {
			t.err = &TransportError{Op: "process", Err: waitErr}
		} else {
			t.err = &TransportError{Op: "process", Err: io.EOF}
		}
	}
	t.mu.Unlock()
	close(t.recv)
}

func (t *StdioTransport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logf("server: %s", scanner.Text())
	}
}

func (t *StdioTransport) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stdin == nil {
		return &TransportError{Op: "write", Err: ErrConnectionLost}
	}
	if _, err := t.stdin.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *StdioTransport) Recv() <-chan *Message { return t.recv }

func (t *StdioTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

func (t *StdioTransport) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
