//go:build windows

package agent

import "golang.org/x/sys/windows"

func elevated() (bool, error) {
	return windows.GetCurrentProcessToken().IsElevated(), nil
}
