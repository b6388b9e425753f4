package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/televault/televault/app/models"
	"github.com/televault/televault/internal/pkg/grant"
)

func newWebhookEvent(provider, eventID, eventType string, rawBody []byte, signatureValid bool) *models.WebhookEvent {
	if eventID == "" {
		// Deliveries without an id dedupe on their payload hash.
		sum := sha256.Sum256(rawBody)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	return &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     string(rawBody),
		SignatureValid:  signatureValid,
	}
}

// webhookSettled reports whether a stored delivery finished processing
// without error, i.e. a repeat of it is a true replay.
func webhookSettled(ev *models.WebhookEvent) bool {
	return ev.ProcessedAt != nil && ev.ProcessingError == ""
}

func markProcessed(ctx context.Context, repo grant.Repository, eventID uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	_ = repo.MarkWebhookProcessed(ctx, eventID, msg)
}
