package liveness_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-survey/internal/liveness"
)

// fakeHelpers plays both the registry and the pool: Start spawns want helpers,
// Terminate kills them after lag further listings.
type fakeHelpers struct {
	mu         sync.Mutex
	alive      map[int32]int // pid -> listings left before it disappears; -1 = alive
	nextPID    int32
	want       int
	lag        int
	starts     int
	stops      int
	terminated []int32
	startErr   error
	noStart    bool
}

func (f *fakeHelpers) ListRunning(context.Context) ([]liveness.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []liveness.Handle
	for pid, left := range f.alive {
		switch {
		case left < 0:
			out = append(out, liveness.Handle{PID: pid, Cmdline: "browser-helper"})
		case left == 0:
			delete(f.alive, pid)
		default:
			f.alive[pid] = left - 1
			out = append(out, liveness.Handle{PID: pid, Cmdline: "browser-helper"})
		}
	}
	return out, nil
}

func (f *fakeHelpers) Terminate(_ context.Context, h liveness.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h.PID)
	if _, ok := f.alive[h.PID]; ok {
		f.alive[h.PID] = f.lag
	}
	return nil
}

func (f *fakeHelpers) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	if f.noStart {
		return nil
	}
	if f.alive == nil {
		f.alive = map[int32]int{}
	}
	for range f.want {
		f.nextPID++
		f.alive[f.nextPID] = -1
	}
	return nil
}

func (f *fakeHelpers) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(f *fakeHelpers, n int, maxWait time.Duration) *liveness.Manager {
	return liveness.New(liveness.Config{
		RestartEvery: n,
		PollInterval: time.Millisecond,
		MaxWait:      maxWait,
		Expected:     f.want,
	}, f, f, discardLogger())
}

func TestTick_RestartsOnTickAfterBudget(t *testing.T) {
	f := &fakeHelpers{want: 2}
	_ = f.Start(context.Background())
	f.starts = 0
	m := newManager(f, 3, 0)
	ctx := context.Background()

	for i := range 3 {
		if err := m.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		if m.Restarts() != 0 {
			t.Fatalf("restart happened on tick %d", i+1)
		}
	}
	if m.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", m.Remaining())
	}
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick 4: %v", err)
	}
	if m.Restarts() != 1 || f.starts != 1 || f.stops != 1 {
		t.Fatalf("restarts=%d starts=%d stops=%d, want one cycle", m.Restarts(), f.starts, f.stops)
	}
	if len(f.terminated) != 2 {
		t.Fatalf("terminated %v, want both old helpers", f.terminated)
	}
	if m.Remaining() != 3 {
		t.Fatalf("remaining = %d after restart, want 3", m.Remaining())
	}

	// Fresh budget: three more plain ticks, then the next restart.
	for range 3 {
		_ = m.Tick(ctx)
	}
	if m.Restarts() != 1 {
		t.Fatalf("restarted early: %d", m.Restarts())
	}
	_ = m.Tick(ctx)
	if m.Restarts() != 2 {
		t.Fatalf("expected second restart, got %d", m.Restarts())
	}
}

func TestRestart_WaitsForExitBeforeStart(t *testing.T) {
	f := &fakeHelpers{want: 1, lag: 3}
	_ = f.Start(context.Background())
	m := newManager(f, 1, 0)

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	running, _ := f.ListRunning(context.Background())
	if len(running) != 1 || running[0].PID != 2 {
		t.Fatalf("expected only the new helper alive, got %+v", running)
	}
}

func TestRestart_NothingRunningIsNoop(t *testing.T) {
	f := &fakeHelpers{}
	m := newManager(f, 1, 0)
	for range 3 {
		if err := m.Restart(context.Background()); err != nil {
			t.Fatalf("restart: %v", err)
		}
	}
	if len(f.terminated) != 0 {
		t.Fatalf("nothing should be terminated: %v", f.terminated)
	}
}

func TestRestart_TimeoutLeavesBudgetExhausted(t *testing.T) {
	f := &fakeHelpers{want: 1, noStart: true}
	m := newManager(f, 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = m.Tick(ctx)
	err := m.Tick(ctx)
	if !errors.Is(err, liveness.ErrRestartTimeout) {
		t.Fatalf("expected ErrRestartTimeout, got %v", err)
	}
	if m.Remaining() != 0 || m.Restarts() != 0 {
		t.Fatalf("remaining=%d restarts=%d, want budget untouched", m.Remaining(), m.Restarts())
	}

	f.mu.Lock()
	f.noStart = false
	f.mu.Unlock()
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if m.Restarts() != 1 || m.Remaining() != 1 {
		t.Fatalf("restarts=%d remaining=%d after retry", m.Restarts(), m.Remaining())
	}
}

func TestRestart_StartFailure(t *testing.T) {
	f := &fakeHelpers{want: 1, startErr: errors.New("npx not found")}
	m := newManager(f, 1, 0)
	if err := m.Restart(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
}

func TestRestart_HonorsContextCancel(t *testing.T) {
	f := &fakeHelpers{want: 1, noStart: true}
	m := newManager(f, 1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Restart(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProcessRegistry_FindsNothingWithoutPatterns(t *testing.T) {
	handles, err := liveness.ProcessRegistry{}.ListRunning(context.Background())
	if err != nil || len(handles) != 0 {
		t.Fatalf("handles=%v err=%v", handles, err)
	}
}

func TestProcessRegistry_SkipsSelf(t *testing.T) {
	handles, err := liveness.ProcessRegistry{Match: []string{os.Args[0]}}.ListRunning(context.Background())
	if err != nil {
		t.Skipf("process listing unavailable: %v", err)
	}
	for _, h := range handles {
		if int(h.PID) == os.Getpid() {
			t.Fatal("registry must not list the current process")
		}
	}
}
