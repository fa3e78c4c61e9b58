//go:build windows

package agent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows/svc"
)

// ServiceName is the name registered with the Service Control Manager.
const ServiceName = "FleetdAgent"

// RunService runs fn under the Service Control Manager. It reports false when
// the process was started interactively so the caller runs fn itself.
func RunService(fn func(ctx context.Context) error) (bool, error) {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false, fmt.Errorf("detecting service environment: %w", err)
	}
	if !isService {
		return false, nil
	}
	p := &program{run: fn}
	if err := svc.Run(ServiceName, p); err != nil {
		return true, err
	}
	return true, p.err
}

type program struct {
	run func(ctx context.Context) error
	err error
}

func (p *program) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			p.err = err
			if err == nil || errors.Is(err, context.Canceled) {
				return false, 0
			}
			// a service-specific exit code lets SCM recovery restart the agent
			return true, 1
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				<-done
				return false, 0
			default:
			}
		}
	}
}
