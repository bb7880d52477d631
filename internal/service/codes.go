package service

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

const trackingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newVerificationCode returns a six digit delivery code.
func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newTrackingCode returns a customer-facing cash order reference such as
// "CB-7K2M9QXA".
func newTrackingCode() (string, error) {
	var b strings.Builder
	b.WriteString("CB-")
	size := big.NewInt(int64(len(trackingAlphabet)))
	for i := 0; i < 8; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate tracking code: %w", err)
		}
		b.WriteByte(trackingAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// validCodeFormat accepts 4 to 12 ASCII letters or digits.
func validCodeFormat(s string) bool {
	if len(s) < 4 || len(s) > 12 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

// codesMatch compares normalised codes in constant time.
func codesMatch(given, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(normalizeCode(given)), []byte(normalizeCode(stored))) == 1
}
