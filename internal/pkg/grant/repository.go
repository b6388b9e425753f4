package grant

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/televault/televault/app/models"
)

// Repository is the Grant Store: the single source of truth for
// subscriptions, invitations and revocation attempts. Every state transition
// is a conditional write keyed on the expected prior state; callers learn
// from the returned bool whether they won the transition.
type Repository interface {
	// Now returns the store's clock, which is authoritative for expiry
	// comparisons so scheduler clock drift cannot evict prematurely.
	Now(ctx context.Context) (time.Time, error)

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, subscriberID string) (*models.Subscription, error)
	// ActivateSubscription flips pending -> active and sets the expiry.
	ActivateSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error)
	// RenewSubscription re-activates an expired or revoked subscription with
	// a fresh expiry and resets the grant lifecycle.
	RenewSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error)
	// CancelSubscription flips active -> expired without touching the grant,
	// for refunds of subscribers who never entered the channel.
	CancelSubscription(ctx context.Context, subscriberID string) (bool, error)
	// ExtendSubscription pushes an active subscription's expiry forward. The
	// write is conditional on the new expiry being later than the stored one,
	// so replays of an already-applied confirmation lose.
	ExtendSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error)
	CountByGrantState(ctx context.Context) (map[string]int64, error)

	// CreateInvitationIfNone inserts inv unless the subscriber already has an
	// unconsumed, unexpired invitation, deciding both inside one transaction
	// that locks the subscriber row. The bool reports whether inv was
	// inserted; when false the existing invitation is returned instead.
	CreateInvitationIfNone(ctx context.Context, inv *models.Invitation, now time.Time) (bool, *models.Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error)
	DeleteExpiredInvitations(ctx context.Context, before time.Time) (int64, error)

	TransitionGrant(ctx context.Context, subscriberID, from, to string) (bool, error)
	// AdmitJoin consumes the invitation and admits the grant in one
	// transaction. Exactly one caller can win for a given token.
	AdmitJoin(ctx context.Context, token, subscriberID, channelIdentity string, at time.Time) (bool, error)
	// ExpireGrant flips the grant admitted -> expired (and the subscription
	// active -> expired).
	ExpireGrant(ctx context.Context, subscriberID string) (bool, error)
	// CompleteRevocation flips the grant expired -> revoked once removal from
	// the channel is confirmed.
	CompleteRevocation(ctx context.Context, subscriberID string) (bool, error)

	// ListExpiredAdmitted returns admitted grants whose subscription expiry
	// has passed, for the eviction sweep.
	ListExpiredAdmitted(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)

	// OpenRevocationAttempt returns the subscriber's unresolved attempt —
	// pending or permanently failed — creating a fresh pending one if none
	// exists. The bool reports whether it was created. Permanently failed
	// attempts are handed back so a manual re-trigger can reopen them in
	// place instead of stacking a second record.
	OpenRevocationAttempt(ctx context.Context, subscriberID, channelIdentity, correlationID string) (*models.RevocationAttempt, bool, error)
	UpdateRevocationAttempt(ctx context.Context, att *models.RevocationAttempt) error
	ListDueRevocationAttempts(ctx context.Context, now time.Time, limit int) ([]models.RevocationAttempt, error)
	ListRevocationAttemptsByOutcome(ctx context.Context, outcome string) ([]models.RevocationAttempt, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a grant store backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := r.db.WithContext(ctx).Raw("SELECT CURRENT_TIMESTAMP(3)").Scan(&now).Error; err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, subscriberID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("subscriber_id = ?", subscriberID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ActivateSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND status = ?", subscriberID, models.SubscriptionStatusPending).
		Updates(map[string]interface{}{
			"status":     models.SubscriptionStatusActive,
			"expires_at": expiresAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) RenewSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND status IN ?", subscriberID, []string{models.SubscriptionStatusExpired, models.SubscriptionStatusRevoked}).
		Updates(map[string]interface{}{
			"status":           models.SubscriptionStatusActive,
			"expires_at":       expiresAt,
			"grant_state":      models.GrantStateNone,
			"channel_identity": nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) CancelSubscription(ctx context.Context, subscriberID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND status = ?", subscriberID, models.SubscriptionStatusActive).
		Update("status", models.SubscriptionStatusExpired)
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) ExtendSubscription(ctx context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND status = ? AND (expires_at IS NULL OR expires_at < ?)",
			subscriberID, models.SubscriptionStatusActive, expiresAt).
		Update("expires_at", expiresAt)
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) CountByGrantState(ctx context.Context) (map[string]int64, error) {
	type row struct {
		GrantState string
		N          int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("grant_state, COUNT(*) AS n").
		Group("grant_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.GrantState] = rw.N
	}
	return counts, nil
}

func (r *gormRepository) CreateInvitationIfNone(ctx context.Context, inv *models.Invitation, now time.Time) (bool, *models.Invitation, error) {
	created := false
	var existing models.Invitation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the subscriber row so concurrent issuance serializes here.
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subscriber_id = ?", inv.SubscriberID).
			First(&sub).Error; err != nil {
			return err
		}

		err := tx.Where("subscriber_id = ? AND consumed = ? AND expires_at > ?", inv.SubscriberID, false, now).
			Order("created_at DESC").
			First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(inv).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if created {
		return true, inv, nil
	}
	return false, &existing, nil
}

func (r *gormRepository) GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error) {
	var inv models.Invitation
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) DeleteExpiredInvitations(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", before).
		Delete(&models.Invitation{})
	return res.RowsAffected, res.Error
}

func (r *gormRepository) TransitionGrant(ctx context.Context, subscriberID, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND grant_state = ?", subscriberID, from).
		Update("grant_state", to)
	return res.RowsAffected > 0, res.Error
}

var errJoinLost = errors.New("join race lost")

func (r *gormRepository) AdmitJoin(ctx context.Context, token, subscriberID, channelIdentity string, at time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Invitation{}).
			Where("token = ? AND consumed = ?", token, false).
			Updates(map[string]interface{}{
				"consumed":    true,
				"consumed_by": channelIdentity,
				"consumed_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errJoinLost
		}

		res = tx.Model(&models.Subscription{}).
			Where("subscriber_id = ? AND grant_state = ?", subscriberID, models.GrantStateIssued).
			Updates(map[string]interface{}{
				"grant_state":      models.GrantStateAdmitted,
				"channel_identity": channelIdentity,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Grant moved on (e.g. evicted) between lookup and admit; roll
			// back the consumption so the loss is observable as a deny.
			return errJoinLost
		}
		return nil
	})
	if errors.Is(err, errJoinLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *gormRepository) ExpireGrant(ctx context.Context, subscriberID string) (bool, error) {
	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("subscriber_id = ? AND grant_state = ?", subscriberID, models.GrantStateAdmitted).
			Update("grant_state", models.GrantStateExpired)
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected > 0
		if !won {
			return nil
		}
		return tx.Model(&models.Subscription{}).
			Where("subscriber_id = ? AND status = ?", subscriberID, models.SubscriptionStatusActive).
			Update("status", models.SubscriptionStatusExpired).Error
	})
	return won, err
}

func (r *gormRepository) CompleteRevocation(ctx context.Context, subscriberID string) (bool, error) {
	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("subscriber_id = ? AND grant_state = ?", subscriberID, models.GrantStateExpired).
			Update("grant_state", models.GrantStateRevoked)
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected > 0
		if !won {
			return nil
		}
		return tx.Model(&models.Subscription{}).
			Where("subscriber_id = ? AND status = ?", subscriberID, models.SubscriptionStatusExpired).
			Update("status", models.SubscriptionStatusRevoked).Error
	})
	return won, err
}

func (r *gormRepository) ListExpiredAdmitted(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("grant_state = ? AND expires_at <= ?", models.GrantStateAdmitted, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) OpenRevocationAttempt(ctx context.Context, subscriberID, channelIdentity, correlationID string) (*models.RevocationAttempt, bool, error) {
	var att models.RevocationAttempt
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ? AND outcome IN ?", subscriberID,
			[]string{models.RevocationOutcomePending, models.RevocationOutcomePermanentlyFailed}).
		Order("created_at DESC").
		First(&att).Error
	if err == nil {
		return &att, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	att = models.RevocationAttempt{
		CorrelationID:   correlationID,
		SubscriberID:    subscriberID,
		ChannelIdentity: channelIdentity,
		Outcome:         models.RevocationOutcomePending,
	}
	if err := r.db.WithContext(ctx).Create(&att).Error; err != nil {
		return nil, false, err
	}
	return &att, true, nil
}

func (r *gormRepository) UpdateRevocationAttempt(ctx context.Context, att *models.RevocationAttempt) error {
	return r.db.WithContext(ctx).Model(att).
		Select("attempt_count", "last_error", "next_retry_at", "outcome").
		Updates(map[string]interface{}{
			"attempt_count": att.AttemptCount,
			"last_error":    att.LastError,
			"next_retry_at": att.NextRetryAt,
			"outcome":       att.Outcome,
		}).Error
}

func (r *gormRepository) ListDueRevocationAttempts(ctx context.Context, now time.Time, limit int) ([]models.RevocationAttempt, error) {
	var atts []models.RevocationAttempt
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.RevocationOutcomePending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&atts).Error
	return atts, err
}

func (r *gormRepository) ListRevocationAttemptsByOutcome(ctx context.Context, outcome string) ([]models.RevocationAttempt, error) {
	var atts []models.RevocationAttempt
	err := r.db.WithContext(ctx).
		Where("outcome = ?", outcome).
		Order("updated_at DESC").
		Find(&atts).Error
	return atts, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
