// Package token implements the signed-blob codec used for refresh tokens,
// access tokens, and OAuth cookie state, plus the segmented opaque tokens
// used for invitations and executor pairing.
//
// A blob is base64url(payloadJSON) + "." + base64url(HMAC-SHA256(base64url(payloadJSON), secret)).
// The signature covers the encoded payload string, and verification is
// constant-time on the MAC so tampered payloads are rejected before any
// store lookup happens.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/cryptoutil"
)

var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")
)

// RefreshClaims is the payload of the long-lived refresh blob. Its sha-256
// over the whole blob string is the verifier stored on the session row.
type RefreshClaims struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	TokenNonce string `json:"tokenNonce"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// AccessClaims is the payload of the short-lived access token.
type AccessClaims struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"exp"`
}

// StateClaims binds an opaque id (OAuth state or nonce) to an expiry for the
// signed cookie blobs.
type StateClaims struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"exp"`
}

// Sign serializes payload and returns the signed blob.
func Sign(payload any, secret []byte) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token payload: %w", err)
	}
	encoded := cryptoutil.B64URL(raw)
	sig := cryptoutil.SignHMAC([]byte(encoded), secret)
	return encoded + "." + cryptoutil.B64URL(sig), nil
}

// Verify checks the blob's signature and decodes the payload into out. The
// MAC comparison runs before any payload parsing.
func Verify(blob string, secret []byte, out any) error {
	idx := strings.IndexByte(blob, '.')
	if idx <= 0 || idx == len(blob)-1 {
		return ErrInvalid
	}
	encoded, sigPart := blob[:idx], blob[idx+1:]
	sig, err := cryptoutil.B64URLDecode(sigPart)
	if err != nil {
		return ErrInvalid
	}
	if !cryptoutil.VerifyHMAC([]byte(encoded), sig, secret) {
		return ErrInvalid
	}
	raw, err := cryptoutil.B64URLDecode(encoded)
	if err != nil {
		return ErrInvalid
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrInvalid
	}
	return nil
}

// Hash returns the sha-256 hex digest of the entire blob string.
func Hash(blob string) string {
	return cryptoutil.SHA256Hex([]byte(blob))
}

// SignRefresh issues a refresh blob.
func SignRefresh(c RefreshClaims, secret []byte) (string, error) {
	return Sign(c, secret)
}

// VerifyRefresh validates a refresh blob and its expiry.
func VerifyRefresh(blob string, secret []byte, now time.Time) (*RefreshClaims, error) {
	var c RefreshClaims
	if err := Verify(blob, secret, &c); err != nil {
		return nil, err
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, ErrExpired
	}
	return &c, nil
}

// SignAccess issues an access token.
func SignAccess(c AccessClaims, secret []byte) (string, error) {
	return Sign(c, secret)
}

// VerifyAccess validates an access token and its expiry.
func VerifyAccess(blob string, secret []byte, now time.Time) (*AccessClaims, error) {
	var c AccessClaims
	if err := Verify(blob, secret, &c); err != nil {
		return nil, err
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, ErrExpired
	}
	return &c, nil
}

// SignState issues a cookie state blob.
func SignState(c StateClaims, secret []byte) (string, error) {
	return Sign(c, secret)
}

// VerifyState validates a cookie state blob and its expiry.
func VerifyState(blob string, secret []byte, now time.Time) (*StateClaims, error) {
	var c StateClaims
	if err := Verify(blob, secret, &c); err != nil {
		return nil, err
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, ErrExpired
	}
	return &c, nil
}

// NewSegmented mints an opaque "<id>.<random>" token bound to id. Used for
// invitation tokens (id = organizationId) and pairing tokens (id = tokenId).
func NewSegmented(id string) (string, error) {
	random, err := cryptoutil.RandomToken(24)
	if err != nil {
		return "", err
	}
	return id + "." + random, nil
}

// ParseSegmented splits "<uuid>.<secret>" and validates the first segment is
// a UUID. The secret segment is returned verbatim.
func ParseSegmented(tok string) (id, secret string, err error) {
	idx := strings.IndexByte(tok, '.')
	if idx <= 0 || idx == len(tok)-1 {
		return "", "", ErrInvalid
	}
	id, secret = tok[:idx], tok[idx+1:]
	if _, err := uuid.Parse(id); err != nil {
		return "", "", ErrInvalid
	}
	return id, secret, nil
}
