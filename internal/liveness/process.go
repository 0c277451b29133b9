package liveness

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessRegistry finds helpers among the host's processes by command-line
// substring. The current process is never matched.
type ProcessRegistry struct {
	Match []string
}

func (r ProcessRegistry) matches(cmdline string) bool {
	for _, m := range r.Match {
		if m != "" && strings.Contains(cmdline, m) {
			return true
		}
	}
	return false
}

// ListRunning returns the matching processes.
func (r ProcessRegistry) ListRunning(ctx context.Context) ([]Handle, error) {
	if len(r.Match) == 0 {
		return nil, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []Handle
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !r.matches(cmdline) {
			continue
		}
		out = append(out, Handle{PID: p.Pid, Cmdline: cmdline})
	}
	return out, nil
}

// Terminate sends SIGTERM to h. A process that already exited is not an error.
func (r ProcessRegistry) Terminate(ctx context.Context, h Handle) error {
	p, err := process.NewProcessWithContext(ctx, h.PID)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}
