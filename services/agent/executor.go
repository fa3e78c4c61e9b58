package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// ErrNoEntrypoint means the unpacked package has no script for this platform.
var ErrNoEntrypoint = errors.New("no entrypoint for platform")

// Executor runs an unpacked package and returns its exit code.
type Executor interface {
	Execute(ctx context.Context, dir string) (int, error)
}

// ScriptExecutor runs install.sh on Unix and install.ps1, install.cmd or
// install.bat on Windows, with the package directory as working directory.
type ScriptExecutor struct {
	GOOS   string
	Logger zerolog.Logger
}

// Execute runs the entrypoint. A non-zero exit is returned as a code, not an error.
func (e ScriptExecutor) Execute(ctx context.Context, dir string) (int, error) {
	goos := e.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	name, args, err := entrypoint(goos, dir)
	if err != nil {
		return 0, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		e.Logger.Debug().Str("dir", dir).Bytes("output", tail(out, 4096)).Msg("entrypoint output")
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		return exitErr.ExitCode(), nil
	default:
		return 0, fmt.Errorf("run %s: %w", name, err)
	}
}

func entrypoint(goos, dir string) (string, []string, error) {
	exists := func(name string) bool {
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && info.Mode().IsRegular()
	}
	if goos == "windows" {
		switch {
		case exists("install.ps1"):
			return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", "install.ps1"}, nil
		case exists("install.cmd"):
			return "cmd.exe", []string{"/C", "install.cmd"}, nil
		case exists("install.bat"):
			return "cmd.exe", []string{"/C", "install.bat"}, nil
		}
		return "", nil, ErrNoEntrypoint
	}
	if exists("install.sh") {
		return "/bin/sh", []string{"install.sh"}, nil
	}
	return "", nil, ErrNoEntrypoint
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

// resultCode renders an exit code the way the hub classifies it.
func resultCode(code int) string {
	return strconv.Itoa(code)
}
