package scheduler

import "context"

// SendResult is the delegate's answer for one send attempt.
type SendResult struct {
	Success           bool
	ExternalMessageID string
}

// SendDelegate is the host-injected function that actually delivers a
// step's content to an entity (Twilio, email, whatever the host wires in).
// It is always invoked with a deadline on the context; a delegate that
// outlives it is treated as a failed send.
type SendDelegate func(ctx context.Context, entityID string, content map[string]any) (*SendResult, error)
