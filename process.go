package compliance

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// KillProcessTree kills pid and every process it spawned. Servers are often started through
// wrappers (tsx, npx, uv run) that would otherwise leave the real server orphaned.
func KillProcessTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	return killTree(p)
}

func killTree(p *process.Process) error {
	// Snapshot the children first: once the parent dies they are reparented and the
	// relationship is lost.
	children, _ := p.Children()

	if err := p.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", p.Pid, err)
	}

	var errs []error
	for _, child := range children {
		if err := killTree(child); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
