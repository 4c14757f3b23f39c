package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignPayment returns hex(HMAC-SHA256(secret, providerOrderID|providerPaymentID)),
// the value the client relays back after checkout.
func SignPayment(secret, providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyPayment(secret, providerOrderID, providerPaymentID, signature string) bool {
	if secret == "" || providerOrderID == "" || providerPaymentID == "" {
		return false
	}
	return equalHex(SignPayment(secret, providerOrderID, providerPaymentID), signature)
}

// SignWebhook signs a raw webhook body with the webhook secret.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyWebhook(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 {
		return false
	}
	return equalHex(SignWebhook(secret, body), signature)
}

func equalHex(expected, got string) bool {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	have, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil {
		return false
	}
	return hmac.Equal(want, have)
}

// BodyDigest identifies a webhook delivery when the provider sends no event id.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
