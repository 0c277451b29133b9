package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Transport carries newline-delimited JSON-RPC to one helper server.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

var errHelperClosed = errors.New("helper transport closed")

type line struct {
	msg []byte
	err error
}

// HelperProcess is a helper server running as a child process. One goroutine
// reads its stdout for the life of the process, so a Receive abandoned on
// cancellation never drops a line.
type HelperProcess struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan line
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// StartHelper launches cfg.Command with cfg.Args. Env values are expanded
// against the parent environment, e.g. "${HOME}/profiles".
func StartHelper(cfg ServerConfig, logger *slog.Logger) (*HelperProcess, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper %s stdin: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper %s stdout: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("helper %s stderr: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper %s (%q): %w", name, cfg.Command, err)
	}

	h := &HelperProcess{
		server: name,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan line, 16),
		done:   make(chan struct{}),
		logger: logger.With("server", name),
	}
	go h.read(bufio.NewReader(stdout))
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			h.logger.Debug("helper stderr", "msg", sc.Text())
		}
	}()
	return h, nil
}

func (h *HelperProcess) read(r *bufio.Reader) {
	defer close(h.lines)
	for {
		b, err := r.ReadBytes('\n')
		l := line{msg: b}
		if err != nil {
			l = line{err: err}
		}
		select {
		case h.lines <- l:
		case <-h.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// PID returns the server's process id, or 0 before start.
func (h *HelperProcess) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Send writes one message followed by a newline.
func (h *HelperProcess) Send(_ context.Context, msg json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHelperClosed
	}
	if _, err := h.stdin.Write(append(append([]byte(nil), msg...), '\n')); err != nil {
		return fmt.Errorf("write to helper %s: %w", h.server, err)
	}
	return nil
}

// Receive returns the next line from the server. After the server exits it
// returns the read error, then io.EOF.
func (h *HelperProcess) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l, ok := <-h.lines:
		if !ok {
			return nil, io.EOF
		}
		if l.err != nil {
			return nil, l.err
		}
		return json.RawMessage(l.msg), nil
	}
}

// Close kills the server together with the processes it spawned (browser
// automation servers leave their browsers behind otherwise) and reaps it.
func (h *HelperProcess) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	_ = h.stdin.Close()
	if h.cmd.Process == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	killDescendants(ctx, int32(h.cmd.Process.Pid), h.logger)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	go func() { _ = h.cmd.Wait() }()
	return nil
}

// killDescendants kills the children of pid depth first. Failures are logged;
// the liveness registry sweeps anything left over by command line.
func killDescendants(ctx context.Context, pid int32, logger *slog.Logger) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return
	}
	for _, c := range children {
		killDescendants(ctx, c.Pid, logger)
		if err := c.KillWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			logger.Warn("kill helper child failed", "pid", c.Pid, "error", err)
		}
	}
}

// RespawningTransport restarts a helper whose stdin broke and replays the
// initialize handshake to the new process. Replies to the replayed requests
// carry ids the client no longer waits for and are dropped by it.
type RespawningTransport struct {
	cfg         ServerConfig
	base        *slog.Logger
	logger      *slog.Logger
	maxRespawns int
	backoff     time.Duration

	mu        sync.Mutex
	helper    *HelperProcess
	gen       int
	respawns  int
	handshake []json.RawMessage
	closed    bool
}

// NewRespawningTransport starts the helper described by cfg.
func NewRespawningTransport(cfg ServerConfig, logger *slog.Logger) (*RespawningTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h, err := StartHelper(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &RespawningTransport{
		cfg:         cfg,
		base:        logger,
		logger:      logger.With("server", h.server),
		maxRespawns: 3,
		backoff:     time.Second,
		helper:      h,
	}, nil
}

func isHandshake(msg json.RawMessage) bool {
	var m struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(msg, &m) != nil {
		return false
	}
	return m.Method == "initialize" || m.Method == "notifications/initialized"
}

// Send writes msg, respawning the helper when the write fails.
func (r *RespawningTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errHelperClosed
	}
	if isHandshake(msg) {
		r.handshake = append(r.handshake, append(json.RawMessage(nil), msg...))
	}

	err := r.helper.Send(ctx, msg)
	if err == nil {
		return nil
	}
	backoff := r.backoff
	for attempt := 1; attempt <= r.maxRespawns; attempt++ {
		r.logger.Info("respawning helper", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2

		_ = r.helper.Close()
		h, startErr := StartHelper(r.cfg, r.base)
		if startErr != nil {
			err = startErr
			continue
		}
		r.helper = h
		r.gen++
		r.respawns++
		if err = r.replay(ctx, msg); err == nil {
			r.logger.Info("helper respawned", "pid", h.PID(), "respawns", r.respawns)
			return nil
		}
	}
	return fmt.Errorf("helper %s: gave up after %d respawns: %w", r.helper.server, r.maxRespawns, err)
}

func (r *RespawningTransport) replay(ctx context.Context, msg json.RawMessage) error {
	for _, hs := range r.handshake {
		if err := r.helper.Send(ctx, hs); err != nil {
			return err
		}
	}
	if isHandshake(msg) {
		return nil
	}
	return r.helper.Send(ctx, msg)
}

// Receive reads from the current helper. A read that fails because the
// helper was replaced continues on the replacement.
func (r *RespawningTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		r.mu.Lock()
		h, gen := r.helper, r.gen
		r.mu.Unlock()

		msg, err := h.Receive(ctx)
		if err == nil || ctx.Err() != nil {
			return msg, err
		}
		r.mu.Lock()
		replaced := r.gen != gen && !r.closed
		r.mu.Unlock()
		if !replaced {
			return nil, err
		}
	}
}

// Respawns returns how many times the helper was restarted after a failure.
func (r *RespawningTransport) Respawns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respawns
}

// PID returns the current helper's process id.
func (r *RespawningTransport) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.helper.PID()
}

// Close kills the current helper.
func (r *RespawningTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.helper.Close()
}
