package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailLimit = 4 << 10
	// stderrDrainWait is how long a terminal error waits for the bridge's
	// stderr so the exit reason can be attached.
	stderrDrainWait = 500 * time.Millisecond
	// exitGrace is how long Close lets the bridge exit on stdin EOF before
	// killing it.
	exitGrace = 2 * time.Second
	maxLine   = 8 << 20
)

var errStdioClosed = errors.New("mcp: stdio transport is closed")

// StdioTransportConfig configures a stdio MCP transport.
type StdioTransportConfig struct {
	Command string
	Args    []string
	// Env is added on top of the current process environment.
	Env    map[string]string
	Dir    string
	Logger *slog.Logger
}

// StdioTransport speaks newline-delimited JSON-RPC with a bridge subprocess.
// Each line on stdout is one message. Stderr is logged at Debug and its tail
// is attached to terminal errors.
type StdioTransport struct {
	logger *slog.Logger
	proc   *exec.Cmd
	stdin  io.WriteCloser

	writeMu sync.Mutex
	inbox   chan Message
	failure chan error
	drained chan struct{}
	exited  chan struct{}
	stderr  *tailBuffer

	closeOnce sync.Once
	closing   chan struct{}
}

// NewStdioTransport starts the subprocess. It is killed when ctx ends, so ctx
// must outlive the transport.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// #nosec G204 -- command/args come from local bridge discovery or an explicit flag.
	proc := exec.CommandContext(ctx, cfg.Command, slices.Clone(cfg.Args)...)
	proc.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		proc.Env = append(os.Environ(), envList(cfg.Env)...)
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stderr pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", cfg.Command, err)
	}

	t := &StdioTransport{
		logger:  logger.With(slog.String("bridge", cfg.Command)),
		proc:    proc,
		stdin:   stdin,
		inbox:   make(chan Message, 64),
		failure: make(chan error, 1),
		drained: make(chan struct{}),
		exited:  make(chan struct{}),
		stderr:  &tailBuffer{limit: stderrTailLimit},
		closing: make(chan struct{}),
	}
	go t.readStdout(stdout)
	go t.superviseExit(stderr)
	return t, nil
}

// readStdout turns stdout lines into messages. Blank lines and lines that
// are not JSON are logged and skipped.
func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer close(t.drained)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			t.logger.Debug("mcp bridge stdout noise", slog.String("line", string(line)))
			continue
		}

		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			t.fail(fmt.Errorf("mcp: stdio decode message: %w", err))
			return
		}
		select {
		case t.inbox <- message:
		case <-t.closing:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.fail(fmt.Errorf("mcp: stdio read: %w", err))
		return
	}
	t.fail(errors.New("mcp: stdio process closed stdout"))
}

// superviseExit reaps the process once both output pipes are drained. An
// exit that Close did not cause is reported as a failure.
func (t *StdioTransport) superviseExit(stderr io.Reader) {
	defer close(t.exited)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.WriteLine(line)
		t.logger.Debug("mcp bridge stderr", slog.String("line", line))
	}
	<-t.drained

	err := t.proc.Wait()
	select {
	case <-t.closing:
		return
	default:
	}
	if err != nil {
		t.fail(fmt.Errorf("mcp: stdio process exited: %w", err))
	}
}

// Send writes one message as a single line.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closing:
		return errStdioClosed
	default:
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	return nil
}

// Receive returns the next message. Queued messages are delivered before a
// terminal error.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.inbox:
		return message, nil
	default:
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.closing:
		return Message{}, errStdioClosed
	case message := <-t.inbox:
		return message, nil
	case err := <-t.failure:
		select {
		case <-t.exited:
		case <-ctx.Done():
		case <-time.After(stderrDrainWait):
		}
		return Message{}, t.withStderr(err)
	}
}

// Close ends stdin, waits briefly for the bridge to exit on its own and
// kills it otherwise.
func (t *StdioTransport) Close(ctx context.Context) error {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.closing)
	})
	if !first {
		return nil
	}

	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	grace := time.NewTimer(exitGrace)
	defer grace.Stop()
	select {
	case <-t.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if t.proc.Process != nil {
		_ = t.proc.Process.Kill()
	}
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) withStderr(err error) error {
	tail := strings.TrimSpace(t.stderr.String())
	if tail == "" {
		return err
	}
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return fmt.Errorf("%w (stderr: %s)", err, tail)
}

func (t *StdioTransport) fail(err error) {
	select {
	case t.failure <- err:
	default:
	}
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	slices.Sort(out)
	return out
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = slices.Clone(b.buf[over:])
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
