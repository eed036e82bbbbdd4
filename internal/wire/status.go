package wire

import "slices"

// Status is a message delivery status.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusFailed          Status = "failed"
	StatusRetrying        Status = "retrying"
	StatusRetrySuccessful Status = "retry-successful"
)

// validStatusTransitions defines allowed status transitions. A message
// retried to success keeps "retrying" locally until the server reports
// "retry-successful", so "sending" never appears on that path.
var validStatusTransitions = map[Status][]Status{
	StatusPending:         {StatusSending, StatusFailed},
	StatusSending:         {StatusSent, StatusDelivered, StatusFailed},
	StatusSent:            {StatusDelivered},
	StatusDelivered:       {},
	StatusFailed:          {StatusRetrying},
	StatusRetrying:        {StatusSending, StatusRetrySuccessful, StatusFailed},
	StatusRetrySuccessful: {StatusDelivered},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// A same-status update is always allowed (idempotent re-apply).
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return slices.Contains(validStatusTransitions[s], next)
}
