package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error verification returns, whatever failed.
var errVerification = errors.New("webhook verification failed")

// verifySignature checks signature ("sha256=<hex>" or bare hex) against the
// HMAC-SHA256 of body in constant time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(sign(body, secret), got) != 1 {
		return errVerification
	}
	return nil
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns the X-Hub-Signature-256 value for body.
func Signature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
