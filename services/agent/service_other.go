//go:build !windows

package agent

import "context"

// ServiceName is the name registered with the Service Control Manager.
const ServiceName = "FleetdAgent"

// RunService reports false outside Windows; the caller runs fn directly.
func RunService(func(ctx context.Context) error) (bool, error) {
	return false, nil
}
