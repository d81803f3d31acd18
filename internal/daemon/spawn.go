package daemon

import (
	"fmt"
	"os/exec"
)

// Spawner launches the daemon process.
type Spawner interface {
	Spawn(binary string, args []string) error
}

// ExecSpawner starts the daemon as a detached child: no stdio, its own
// session on unix, and released so it outlives the caller.
type ExecSpawner struct{}

// Spawn starts binary with args and returns once the process exists.
func (ExecSpawner) Spawn(binary string, args []string) error {
	cmd := exec.Command(binary, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release %s: %w", binary, err)
	}
	return nil
}
