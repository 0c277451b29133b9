package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-survey/internal/config"
)

func TestWatcher_DetectsInstructionsChange(t *testing.T) {
	home := t.TempDir()
	instr := filepath.Join(home, "survey.md")
	if err := os.WriteFile(instr, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write instructions: %v", err)
	}
	cfg := config.Config{
		HomeDir:    home,
		ConfigPath: filepath.Join(home, "config.yaml"),
		Workflows:  []config.WorkflowConfig{{Name: "survey", InstructionsPath: instr}},
	}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher is ready rather than sleeping.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(instr, []byte("v2"), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "survey.md" {
				t.Fatalf("expected survey.md event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(instr, []byte("v2"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for instructions change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home, ConfigPath: filepath.Join(home, "config.yaml")}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	_ = os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644)

	select {
	case ev, ok := <-w.Events():
		if ok {
			t.Fatalf("unexpected event %v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	// The channel closes once the watcher goroutine sees the cancellation.
	for range w.Events() {
	}
}
