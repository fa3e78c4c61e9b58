package agent

import (
	"os"
	"runtime"
	"strings"
)

// SystemInfo collects the facts the agent reports on each poll. The "os" key
// is what the hub uses to match packages.
func SystemInfo() map[string]any {
	info := map[string]any{
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"num_cpu": runtime.NumCPU(),
		"version": Version,
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if runtime.GOOS == "linux" {
		if kernel, err := readKernelRelease(); err == nil {
			info["kernel"] = kernel
		}
		info["selinux"] = readSELinuxStatus()
	}
	return info
}

func readKernelRelease() (string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSELinuxStatus() string {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return "disabled"
	}

	value := strings.TrimSpace(string(data))
	switch value {
	case "1":
		return "enforcing"
	case "0":
		return "permissive"
	default:
		return value
	}
}
