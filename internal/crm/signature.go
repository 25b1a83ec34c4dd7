package crm

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Sign computes the hex HMAC-SHA1 of body under the channel secret. The CRM
// signs every webhook delivery this way.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the body under the
// channel secret. Comparison is constant-time; the signature is accepted in
// either hex case.
func ValidSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	want, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
