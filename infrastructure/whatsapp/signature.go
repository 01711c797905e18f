package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifyCloudSignature checks the X-Hub-Signature-256 header against the raw
// webhook body using the number's app secret. Comparison is constant-time.
func VerifyCloudSignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" || header == "" {
		return false
	}
	provided := strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// VerifyBearerToken compares a per-number webhook token in constant time.
// Used for Evolution callbacks, which carry no HMAC.
func VerifyBearerToken(expected, header string) bool {
	if expected == "" || header == "" {
		return false
	}
	provided := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
