package gpu

import "errors"

var (
	// ErrNoDevice is returned when no adapter satisfies the capability request.
	ErrNoDevice = errors.New("pushconst/gpu: no device satisfies the request")

	// ErrAllocation is returned when a buffer cannot be created or initialized.
	ErrAllocation = errors.New("pushconst/gpu: buffer allocation failed")

	// ErrPipelineLink is returned when a kernel does not match its layout or
	// push constant declaration.
	ErrPipelineLink = errors.New("pushconst/gpu: pipeline link failed")

	// ErrValidation is returned when a binding set, batch or submission violates
	// a declared layout or usage.
	ErrValidation = errors.New("pushconst/gpu: validation failed")

	// ErrSyncTimeout is returned when waiting on the device ends before it is idle.
	ErrSyncTimeout = errors.New("pushconst/gpu: device did not reach idle")

	// ErrMapFailed is returned when a buffer mapping completes with a non-success status.
	ErrMapFailed = errors.New("pushconst/gpu: buffer map failed")

	// ErrBatchConsumed is returned when a batch is used after submission.
	ErrBatchConsumed = errors.New("pushconst/gpu: batch already submitted")

	// ErrContextClosed is returned by operations on a closed context.
	ErrContextClosed = errors.New("pushconst/gpu: context closed")
)
