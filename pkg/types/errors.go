package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrAdmissionRejected means no registered agent may host the instance right now
	ErrAdmissionRejected = errors.New("no eligible agent")

	// ErrUnknownLease means an agent reported in without a live registration
	ErrUnknownLease = errors.New("unknown lease")

	// ErrNotOwner means a mutation reached a coordinator that only backs up the deployment
	ErrNotOwner = errors.New("not the owner of the deployment")

	// ErrAlreadyScheduled means a redeployment is already pending for the target
	ErrAlreadyScheduled = errors.New("already scheduled")

	// ErrUnresolvableRequirement means a capability can neither be matched nor staged
	ErrUnresolvableRequirement = errors.New("unresolvable requirement")

	// ErrOwnershipConflict is raised while two coordinators both own a deployment.
	// It is resolved internally and never returned to callers.
	ErrOwnershipConflict = errors.New("ownership conflict")

	// ErrMalformedDeployment means a deployment is missing required fields
	ErrMalformedDeployment = errors.New("malformed deployment")

	// ErrScheduleChange means a redeclared deployment carries a different schedule
	ErrScheduleChange = errors.New("schedule cannot change while deployed")

	// ErrNotFound means the named deployment, service or instance does not exist
	ErrNotFound = errors.New("not found")
)

// NotOwnerError reports which coordinator owns the deployment, when known
type NotOwnerError struct {
	Deployment string
	Owner      string
}

func (e *NotOwnerError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("%s: %s", ErrNotOwner, e.Deployment)
	}
	return fmt.Sprintf("%s: %s is owned by %s", ErrNotOwner, e.Deployment, e.Owner)
}

func (e *NotOwnerError) Unwrap() error { return ErrNotOwner }

// AlreadyScheduledError carries the time left before the pending task runs
type AlreadyScheduledError struct {
	Key       string
	Remaining time.Duration
}

func (e *AlreadyScheduledError) Error() string {
	secs := int64(math.Ceil(e.Remaining.Seconds()))
	return fmt.Sprintf("redeployment of %s %s, %d seconds remaining", e.Key, ErrAlreadyScheduled, secs)
}

func (e *AlreadyScheduledError) Unwrap() error { return ErrAlreadyScheduled }

// MalformedError describes why a deployment was rejected
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedDeployment, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedDeployment }

// RejectedError reports a placement that found no eligible agent
type RejectedError struct {
	Spec       string
	Considered int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s for %s (%d agents considered)", ErrAdmissionRejected, e.Spec, e.Considered)
}

func (e *RejectedError) Unwrap() error { return ErrAdmissionRejected }
