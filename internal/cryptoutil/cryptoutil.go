// Package cryptoutil collects the cryptographic primitives shared across the
// control plane: HMAC signing, constant-time comparison, digests, random
// token generation, and the AES-GCM envelope used by the secret vault.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
)

// RandomBytes returns n bytes of cryptographically secure randomness.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	return buf, nil
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	buf, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomHex returns n random bytes, hex-encoded.
func RandomHex(n int) (string, error) {
	buf, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignHMAC computes HMAC-SHA256 of msg under secret.
func SignHMAC(msg, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	return h.Sum(nil)
}

// VerifyHMAC checks sig against the HMAC of msg using constant-time comparison.
func VerifyHMAC(msg, sig, secret []byte) bool {
	return hmac.Equal(sig, SignHMAC(msg, secret))
}

// ConstantTimeEquals compares two strings without leaking the mismatch position.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// B64URL encodes data as unpadded base64url.
func B64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64URLDecode decodes an unpadded base64url string.
func B64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`gho_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`xox[bpars]-[A-Za-z0-9-]{8,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{10,}`),
}

// RedactSecrets masks credential-looking substrings before text is logged or
// persisted. Best effort only; callers must still avoid logging raw secrets.
func RedactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}
