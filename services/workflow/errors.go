package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a step failure so the execution loop can decide
// between retrying and failing the workflow outright.
type ErrorKind string

const (
	// KindConnection covers unreachable BMCs, dropped SSH sessions and the
	// like. Retryable with the step's full budget.
	KindConnection ErrorKind = "connection"
	// KindTimeout marks an attempt that exceeded the step timeout.
	// Retryable with the step's full budget.
	KindTimeout ErrorKind = "timeout"
	// KindConfiguration covers invalid or unsupported setting values and
	// template mismatches. Never retried.
	KindConfiguration ErrorKind = "configuration"
	// KindHardware marks device-level faults. Retryable, but with a
	// reduced budget since a sick controller rarely heals between
	// back-to-back attempts.
	KindHardware ErrorKind = "hardware"
	// KindCancelled is not a failure; it maps to the CANCELLED state.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal is the classification for errors a step executor did
	// not tag itself. Treated as retryable.
	KindInternal ErrorKind = "internal"
)

// Retryable reports whether the execution loop may charge another attempt
// for this kind of failure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindHardware, KindInternal:
		return true
	}
	return false
}

// StepError is the typed failure step executors return. The Hint is
// surfaced verbatim to operators through the status API.
type StepError struct {
	Kind ErrorKind
	Hint string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ConnectionErrorf builds a retryable connection-class failure.
func ConnectionErrorf(format string, args ...any) error {
	return &StepError{Kind: KindConnection, Hint: "verify network reachability and credentials", Err: fmt.Errorf(format, args...)}
}

// ConfigurationErrorf builds a non-retryable configuration failure.
func ConfigurationErrorf(format string, args ...any) error {
	return &StepError{Kind: KindConfiguration, Hint: "check the device template and setting values", Err: fmt.Errorf(format, args...)}
}

// HardwareErrorf builds a reduced-budget hardware failure.
func HardwareErrorf(format string, args ...any) error {
	return &StepError{Kind: KindHardware, Hint: "inspect the device's management controller", Err: fmt.Errorf(format, args...)}
}

// TimeoutErrorf builds a retryable timeout failure.
func TimeoutErrorf(format string, args ...any) error {
	return &StepError{Kind: KindTimeout, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind and hint to an existing error.
func WrapError(kind ErrorKind, hint string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: kind, Hint: hint, Err: err}
}

// KindOf extracts the classification from err, defaulting untagged errors
// to KindInternal.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// HintOf extracts the remediation hint from err, if any.
func HintOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Hint
	}
	return ""
}

// Error is the structured failure recorded on a FAILED workflow. It stays
// attached to the workflow after the terminal transition and is the only
// error surface get-status exposes.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    string    `json:"step"`
	SubTask string    `json:"sub_task,omitempty"`
	Hint    string    `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %q failed (%s): %s", e.Step, e.Kind, e.Message)
}

// ErrUnknownPipeline is returned by Create for unregistered pipeline names.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// ErrInvalidState is returned when a lifecycle call does not apply to the
// workflow's current state, e.g. starting a workflow twice.
var ErrInvalidState = errors.New("invalid workflow state")

// ErrNotFound is returned for workflow IDs the manager does not track.
var ErrNotFound = errors.New("workflow not found")
