package token

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret")

func TestRefreshRoundTrip(t *testing.T) {
	claims := RefreshClaims{
		SessionID:  uuid.NewString(),
		UserID:     uuid.NewString(),
		TokenNonce: "nonce-1",
		ExpiresAt:  time.Now().Add(time.Hour).Unix(),
	}

	blob, err := SignRefresh(claims, testSecret)
	require.NoError(t, err)
	assert.Equal(t, 2, len(strings.Split(blob, ".")))

	got, err := VerifyRefresh(blob, testSecret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, claims.SessionID, got.SessionID)
	assert.Equal(t, claims.UserID, got.UserID)
	assert.Equal(t, claims.TokenNonce, got.TokenNonce)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	blob, err := SignRefresh(RefreshClaims{
		SessionID: uuid.NewString(),
		UserID:    uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}, testSecret)
	require.NoError(t, err)

	// Flip a byte inside the payload segment, keep the signature intact.
	b := []byte(blob)
	if b[3] == 'A' {
		b[3] = 'B'
	} else {
		b[3] = 'A'
	}

	_, err = VerifyRefresh(string(b), testSecret, time.Now())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	blob, err := SignAccess(AccessClaims{
		UserID:    uuid.NewString(),
		Email:     "a@b.co",
		SessionID: uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}, testSecret)
	require.NoError(t, err)

	_, err = VerifyAccess(blob, []byte("other-secret"), time.Now())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	blob, err := SignAccess(AccessClaims{
		UserID:    uuid.NewString(),
		SessionID: uuid.NewString(),
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}, testSecret)
	require.NoError(t, err)

	_, err = VerifyAccess(blob, testSecret, time.Now())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsMalformedBlobs(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"no dot", "abcdef"},
		{"empty signature", "abcdef."},
		{"empty payload", ".abcdef"},
		{"garbage base64", "!!!.???"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c RefreshClaims
			assert.ErrorIs(t, Verify(tt.blob, testSecret, &c), ErrInvalid)
		})
	}
}

func TestHashIsStable(t *testing.T) {
	blob, err := SignState(StateClaims{ID: "s1", ExpiresAt: time.Now().Add(time.Minute).Unix()}, testSecret)
	require.NoError(t, err)
	assert.Equal(t, Hash(blob), Hash(blob))
	assert.Len(t, Hash(blob), 64)
}

func TestSegmentedTokens(t *testing.T) {
	orgID := uuid.NewString()
	tok, err := NewSegmented(orgID)
	require.NoError(t, err)

	id, secret, err := ParseSegmented(tok)
	require.NoError(t, err)
	assert.Equal(t, orgID, id)
	assert.NotEmpty(t, secret)

	_, _, err = ParseSegmented("not-a-uuid.secret")
	assert.ErrorIs(t, err, ErrInvalid)
	_, _, err = ParseSegmented(orgID)
	assert.ErrorIs(t, err, ErrInvalid)
}
