package models

import "time"

const (
	SubscriptionStatusPending = "pending"
	SubscriptionStatusActive  = "active"
	SubscriptionStatusExpired = "expired"
	SubscriptionStatusRevoked = "revoked"
)

// Grant states track a subscriber's right to be present in the channel.
// The happy path is none -> issued -> admitted -> expired -> revoked;
// denied is terminal from issued.
const (
	GrantStateNone     = "none"
	GrantStateIssued   = "issued"
	GrantStateAdmitted = "admitted"
	GrantStateDenied   = "denied"
	GrantStateExpired  = "expired"
	GrantStateRevoked  = "revoked"
)

// Subscription mirrors one paying customer's access period. ExpiresAt stays
// NULL until the payment gateway confirms; the composite grant_state index
// backs the eviction sweep's scan.
type Subscription struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SubscriberID    string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"subscriber_id"`
	PlanName        string     `gorm:"type:varchar(100);not null" json:"plan_name"`
	AmountCents     int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency        string     `gorm:"type:varchar(8);not null;default:'EUR'" json:"currency"`
	Status          string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	GrantState      string     `gorm:"type:varchar(16);not null;default:'none';index:idx_subscriptions_grant_expiry,priority:1" json:"grant_state"`
	ChannelIdentity *string    `gorm:"type:varchar(64);default:null" json:"channel_identity,omitempty"`
	PurchasedAt     time.Time  `gorm:"type:timestamp;not null" json:"purchased_at"`
	ExpiresAt       *time.Time `gorm:"type:timestamp(3);default:null;index:idx_subscriptions_grant_expiry,priority:2" json:"expires_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActiveAt reports whether the subscription entitles access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	if s.Status != SubscriptionStatusActive || s.ExpiresAt == nil {
		return false
	}
	return t.Before(*s.ExpiresAt)
}
