package grant

import (
	"errors"
	"time"
)

// EventType identifies a grant state transition broadcast to the dashboard.
type EventType string

const (
	EventIssued           EventType = "ISSUED"
	EventAdmitted         EventType = "ADMITTED"
	EventDenied           EventType = "DENIED"
	EventExpired          EventType = "EXPIRED"
	EventRevoked          EventType = "REVOKED"
	EventRevocationFailed EventType = "REVOCATION_FAILED"
)

// Event is the minimal payload pushed to dashboard subscribers.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	SubscriberID string    `json:"subscriber_id"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// DenyReason explains a rejected join attempt.
type DenyReason string

const (
	DenyNone                 DenyReason = ""
	DenyNotFound             DenyReason = "not_found"
	DenyAlreadyConsumed      DenyReason = "already_consumed"
	DenyExpired              DenyReason = "expired"
	DenySubscriptionInactive DenyReason = "subscription_inactive"
	DenyTimeout              DenyReason = "timeout"
	DenyInternal             DenyReason = "internal_error"
)

// Decision is the Join Validator's answer to the channel bot.
type Decision struct {
	Admit  bool       `json:"admit"`
	Reason DenyReason `json:"reason,omitempty"`
}

// RevokeOutcome classifies one remove-member attempt.
type RevokeOutcome int

const (
	RevokeSucceeded RevokeOutcome = iota
	RevokeRetryable
	RevokePermanent
)

func (o RevokeOutcome) String() string {
	switch o {
	case RevokeSucceeded:
		return "succeeded"
	case RevokeRetryable:
		return "retryable"
	case RevokePermanent:
		return "permanent"
	}
	return "unknown"
}

var (
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrSubscriptionNotActive = errors.New("subscription is not active")
	ErrNothingToRevoke       = errors.New("grant is not admitted or expired")
	// ErrTokenCollision marks the near-impossible case of repeated random
	// token collisions; treated as a fatal anomaly, never retried silently.
	ErrTokenCollision = errors.New("invitation token collision persisted across retries")
)
