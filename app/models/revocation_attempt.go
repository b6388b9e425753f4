package models

import "time"

const (
	RevocationOutcomePending           = "pending"
	RevocationOutcomeSucceeded         = "succeeded"
	RevocationOutcomePermanentlyFailed = "permanently_failed"
)

// RevocationAttempt is the audit and retry record for removing one member
// from the channel. At most one open (pending) attempt exists per subscriber;
// a permanently_failed attempt stays visible until an operator re-triggers it.
type RevocationAttempt struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CorrelationID   string     `gorm:"type:varchar(36);not null" json:"correlation_id"`
	SubscriberID    string     `gorm:"type:varchar(64);not null;index:idx_revocation_attempts_sub_outcome,priority:1" json:"subscriber_id"`
	ChannelIdentity string     `gorm:"type:varchar(64);not null" json:"channel_identity"`
	AttemptCount    int        `gorm:"not null;default:0" json:"attempt_count"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	NextRetryAt     *time.Time `gorm:"type:timestamp(3);default:null" json:"next_retry_at,omitempty"`
	Outcome         string     `gorm:"type:varchar(24);not null;default:'pending';index:idx_revocation_attempts_sub_outcome,priority:2" json:"outcome"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
