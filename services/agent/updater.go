package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Updater replaces the running binary. Implementations stop this process,
// swap the binary, start the new one and let the old one exit.
type Updater interface {
	Update(ctx context.Context, newBinary string) error
}

// CommandUpdater hands the update to an operator-configured command. The
// command receives the current and the new binary paths as its last two
// arguments and must detach before restarting the agent.
type CommandUpdater struct {
	Command string
	Current string
}

// Update starts the command and returns once it has been launched.
func (u CommandUpdater) Update(_ context.Context, newBinary string) error {
	fields := strings.Fields(u.Command)
	if len(fields) == 0 {
		return errors.New("updater command is empty")
	}
	args := append(fields[1:], u.Current, newBinary)
	cmd := exec.Command(fields[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start updater: %w", err)
	}
	return cmd.Process.Release()
}
