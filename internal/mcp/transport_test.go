package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

func startCat(t *testing.T) *HelperProcess {
	t.Helper()
	h, err := StartHelper(ServerConfig{Name: "echo", Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("start cat: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func methodOf(t *testing.T, msg json.RawMessage) string {
	t.Helper()
	var m struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("not JSON: %v (raw %q)", err, msg)
	}
	return m.Method
}

func TestStartHelper_InvalidCommand(t *testing.T) {
	_, err := StartHelper(ServerConfig{Name: "browser", Command: "nonexistent-command-xyz"}, nil)
	if err == nil {
		t.Fatal("expected error for nonexistent command")
	}
	if !strings.Contains(err.Error(), "nonexistent-command-xyz") || !strings.Contains(err.Error(), "browser") {
		t.Errorf("error should name server and command, got: %v", err)
	}
}

func TestHelperProcess_SendReceive(t *testing.T) {
	h := startCat(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.Send(ctx, json.RawMessage(`{"jsonrpc":"2.0","method":"tools/list"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := h.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := methodOf(t, msg); got != "tools/list" {
		t.Fatalf("method = %q", got)
	}
}

func TestHelperProcess_CanceledReceiveKeepsNextLine(t *testing.T) {
	h := startCat(t)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Receive(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive on canceled ctx = %v", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := h.Send(ctx, json.RawMessage(`{"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := h.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := methodOf(t, msg); got != "ping" {
		t.Fatalf("method = %q", got)
	}
}

func TestHelperProcess_SendAfterClose(t *testing.T) {
	h := startCat(t)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Send(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, errHelperClosed) {
		t.Fatalf("Send after close = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close should not error, got: %v", err)
	}
}

func TestHelperProcess_ExpandsEnv(t *testing.T) {
	h, err := StartHelper(ServerConfig{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", `echo "{\"method\":\"$PROFILE_DIR\"}"`},
		Env:     map[string]string{"PROFILE_DIR": "${HOME}/profiles"},
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := methodOf(t, msg); !strings.HasSuffix(got, "/profiles") || strings.Contains(got, "$") {
		t.Fatalf("PROFILE_DIR = %q", got)
	}
	if h.PID() <= 0 {
		t.Fatalf("PID = %d", h.PID())
	}
}

func TestHelperProcess_CloseKillsSpawnedProcesses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	h, err := StartHelper(ServerConfig{Name: "browser", Command: "sh", Args: []string{"-c", "sleep 30 & wait"}}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parent, err := process.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		t.Fatalf("find helper: %v", err)
	}
	var children []*process.Process
	for len(children) == 0 {
		children, _ = parent.ChildrenWithContext(ctx)
		if ctx.Err() != nil {
			t.Fatal("helper never spawned its child")
		}
		time.Sleep(10 * time.Millisecond)
	}
	child := children[0].Pid

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for {
		running, _ := process.PidExistsWithContext(ctx, child)
		if !running {
			return
		}
		if p, err := process.NewProcessWithContext(ctx, child); err == nil {
			if st, _ := p.StatusWithContext(ctx); len(st) > 0 && st[0] == process.Zombie {
				return
			}
		}
		if ctx.Err() != nil {
			t.Fatalf("child %d still running after Close", child)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRespawningTransport_RespawnsAndReplaysHandshake(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	// The first process answers one line and exits; the replacement echoes.
	cfg := ServerConfig{
		Name:    "browser",
		Command: "sh",
		Args:    []string{"-c", `if [ -e "$MARK" ]; then exec cat; else touch "$MARK"; head -n 1; fi`},
		Env:     map[string]string{"MARK": filepath.Join(t.TempDir(), "started")},
	}
	rt, err := NewRespawningTransport(cfg, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close()
	rt.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Send(ctx, json.RawMessage(`{"id":1,"method":"initialize"}`)); err != nil {
		t.Fatalf("Send initialize: %v", err)
	}
	if msg, err := rt.Receive(ctx); err != nil || methodOf(t, msg) != "initialize" {
		t.Fatalf("Receive initialize = %q, %v", msg, err)
	}
	// EOF means the first process is gone and its stdin is broken.
	if _, err := rt.Receive(ctx); err == nil {
		t.Fatal("expected EOF from exited helper")
	}

	if err := rt.Send(ctx, json.RawMessage(`{"id":2,"method":"tools/call"}`)); err != nil {
		t.Fatalf("Send after exit: %v", err)
	}
	if rt.Respawns() != 1 {
		t.Fatalf("Respawns = %d, want 1", rt.Respawns())
	}
	var got []string
	for len(got) < 2 {
		msg, err := rt.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		got = append(got, methodOf(t, msg))
	}
	if strings.Join(got, ",") != "initialize,tools/call" {
		t.Fatalf("replacement saw %v", got)
	}
}

func TestRespawningTransport_Close(t *testing.T) {
	rt, err := NewRespawningTransport(ServerConfig{Name: "echo", Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := rt.Send(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, errHelperClosed) {
		t.Fatalf("Send after close = %v", err)
	}
}
