package hub

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrEnrollmentRejected    = errors.New("enrollment rejected")
	ErrNoPendingDeployment   = errors.New("no pending deployment")
	ErrDeploymentUnavailable = errors.New("deployment unavailable")
	ErrPackageBusy           = errors.New("package is being processed")
	ErrOSMismatch            = errors.New("agent and package operating systems differ")
	ErrNotEnrolled           = errors.New("agent is not enrolled")
	ErrInvalidInput          = errors.New("invalid input")
)
