package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
)

// Header names carried by every EventSub delivery.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// Message type values.
const (
	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"
)

// VerifySignature checks the Twitch-Eventsub-Message-Signature: an
// HMAC-SHA256 over messageID + timestamp + rawBody with the shared secret,
// compared in constant time. Returns WebhookVerificationError on mismatch.
func VerifySignature(secret, messageID, timestamp string, body []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return coreerrors.New(coreerrors.KindWebhookVerify, "eventsub signature mismatch")
	}
	return nil
}
