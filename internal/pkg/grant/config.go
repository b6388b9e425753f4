package grant

import (
	"strconv"
	"time"

	"github.com/televault/televault/internal/pkg/env"
)

// Config bundles the tunables of the access controller.
type Config struct {
	// MaxInvitationTTL bounds how long a dormant invitation stays claimable,
	// independent of the subscription expiry.
	MaxInvitationTTL time.Duration
	// JoinDecisionBudget is the hard response deadline for join validation;
	// the bot webhook is waiting synchronously on the answer.
	JoinDecisionBudget time.Duration
	SweepInterval      time.Duration
	SweepConcurrency   int
	SweepBatchLimit    int
	// InvitationRetention keeps spent invitations around for audit before the
	// sweep deletes them.
	InvitationRetention time.Duration
	MaxRevokeAttempts   int
	RevokeBaseBackoff   time.Duration
	RevokeMaxBackoff    time.Duration
	RevokeCallTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxInvitationTTL:    48 * time.Hour,
		JoinDecisionBudget:  3 * time.Second,
		SweepInterval:       60 * time.Second,
		SweepConcurrency:    4,
		SweepBatchLimit:     200,
		InvitationRetention: 7 * 24 * time.Hour,
		MaxRevokeAttempts:   5,
		RevokeBaseBackoff:   30 * time.Second,
		RevokeMaxBackoff:    15 * time.Minute,
		RevokeCallTimeout:   10 * time.Second,
	}
}

// ConfigFromEnv loads the config with env overrides.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxInvitationTTL = durationEnv("INVITATION_MAX_TTL", cfg.MaxInvitationTTL)
	cfg.JoinDecisionBudget = durationEnv("JOIN_DECISION_BUDGET", cfg.JoinDecisionBudget)
	cfg.SweepInterval = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepConcurrency = intEnv("SWEEP_CONCURRENCY", cfg.SweepConcurrency)
	cfg.SweepBatchLimit = intEnv("SWEEP_BATCH_LIMIT", cfg.SweepBatchLimit)
	cfg.InvitationRetention = durationEnv("INVITATION_RETENTION", cfg.InvitationRetention)
	cfg.MaxRevokeAttempts = intEnv("REVOKE_MAX_ATTEMPTS", cfg.MaxRevokeAttempts)
	cfg.RevokeBaseBackoff = durationEnv("REVOKE_BASE_BACKOFF", cfg.RevokeBaseBackoff)
	cfg.RevokeMaxBackoff = durationEnv("REVOKE_MAX_BACKOFF", cfg.RevokeMaxBackoff)
	cfg.RevokeCallTimeout = durationEnv("REVOKE_CALL_TIMEOUT", cfg.RevokeCallTimeout)
	return cfg
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
