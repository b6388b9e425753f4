package models

import "time"

// Invitation is the single-use token a subscriber presents to claim channel
// access. Consumption happens exactly once, via a conditional update on
// consumed = false; afterwards the row is read-only until cleanup.
type Invitation struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Token        string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"token"`
	SubscriberID string     `gorm:"type:varchar(64);not null;index" json:"subscriber_id"`
	ExpiresAt    time.Time  `gorm:"type:timestamp(3);not null;index" json:"expires_at"`
	Consumed     bool       `gorm:"not null;default:false" json:"consumed"`
	ConsumedBy   *string    `gorm:"type:varchar(64);default:null" json:"consumed_by,omitempty"`
	ConsumedAt   *time.Time `gorm:"type:timestamp(3);default:null" json:"consumed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsClaimableAt reports whether the invitation can still be presented at t.
func (i *Invitation) IsClaimableAt(t time.Time) bool {
	return !i.Consumed && t.Before(i.ExpiresAt)
}
