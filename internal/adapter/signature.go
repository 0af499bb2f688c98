package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, in both
// directions between the sidecar and a platform relay.
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

var ErrInvalidSignature = errors.New("invalid callback signature")

// Sign returns the SignatureHeader value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no callback secret configured", ErrInvalidSignature)
	}

	hexSum, ok := strings.CutPrefix(strings.TrimSpace(signature), signaturePrefix)
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
