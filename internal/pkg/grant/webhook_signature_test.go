package grant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGatewaySignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1","type":"payment.confirmed"}`)
	secret := "whsec_test"

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyGatewaySignature(payload, signPayload(payload, secret), secret))
	})

	t.Run("uppercase hex is accepted", func(t *testing.T) {
		sig := strings.ToUpper(signPayload(payload, secret))
		assert.True(t, VerifyGatewaySignature(payload, sig, secret))
	})

	t.Run("surrounding whitespace is tolerated", func(t *testing.T) {
		sig := "  " + signPayload(payload, secret) + "\n"
		assert.True(t, VerifyGatewaySignature(payload, sig, secret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyGatewaySignature(payload, signPayload(payload, "other"), secret))
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := signPayload(payload, secret)
		assert.False(t, VerifyGatewaySignature([]byte(`{"event_id":"evt_2"}`), sig, secret))
	})

	t.Run("garbage signature", func(t *testing.T) {
		assert.False(t, VerifyGatewaySignature(payload, "not-hex", secret))
	})

	t.Run("empty signature", func(t *testing.T) {
		assert.False(t, VerifyGatewaySignature(payload, "", secret))
	})

	t.Run("empty secret", func(t *testing.T) {
		assert.False(t, VerifyGatewaySignature(payload, signPayload(payload, secret), ""))
	})
}
