package scheduler

import (
	"context"
	"errors"
)

// Queue and callback names used by the flare subsystem.
const (
	QueueFlareExpiry     = "flare-expiry"
	QueueFlareRecurrence = "flare-recurrence"

	CallbackFlareExpiry     = "flare-expiry"
	CallbackFlareRecurrence = "flare-recurrence"
)

// ErrEmptyCallback indicates an Enqueue without a callback name.
var ErrEmptyCallback = errors.New("scheduler: callback name is required")

// TaskHandle identifies an enqueued task for cancellation or forced runs.
type TaskHandle string

// String returns the underlying handle value.
func (h TaskHandle) String() string {
	return string(h)
}

// Scheduler is the delayed-task queue contract. Callbacks are invoked at or
// after the requested time and must be idempotent: a failed invocation is
// redelivered per the implementation's retry policy.
type Scheduler interface {
	// Enqueue registers payload for delivery to the named callback at
	// atEpochMillis and returns a cancellable handle.
	Enqueue(ctx context.Context, queue, callback string, payload []byte, atEpochMillis int64) (TaskHandle, error)

	// Cancel drops a pending task. Cancelling an unknown or already-fired
	// handle is a no-op.
	Cancel(ctx context.Context, handle TaskHandle) error

	// Run forces a pending task to execute immediately.
	Run(ctx context.Context, handle TaskHandle) error
}
