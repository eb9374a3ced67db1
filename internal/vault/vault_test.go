package vault

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *store.Memory, store.Tenant, string) {
	t.Helper()
	st := store.NewMemory()
	orgID := uuid.NewString()
	tn := store.Tenant{ActorUserID: uuid.NewString(), OrgID: orgID}
	v := New(st, catalog.New(), "kek-1", map[string][]byte{
		"kek-1": bytes.Repeat([]byte{7}, 32),
	})
	return v, st, tn, orgID
}

func TestUnconfiguredVaultRefusesEverything(t *testing.T) {
	st := store.NewMemory()
	v := New(st, catalog.New(), "", nil)
	assert.False(t, v.Configured())

	_, err := v.Create(context.Background(), store.Tenant{}, "org", "github", "token", []byte("x"), "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 503, e.Status)
	assert.Equal(t, apierr.CodeSecretsUnconfigured, e.Code)

	_, _, err = v.Reveal(context.Background(), store.Tenant{}, "org", "id")
	e, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeSecretsUnconfigured, e.Code)
}

func TestCreateRevealRoundtrip(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	s, err := v.Create(ctx, tn, orgID, "github", "deploy-token", []byte("ghp_secret_value"), tn.ActorUserID)
	require.NoError(t, err)
	assert.Equal(t, "kek-1", s.KekID)
	assert.NotEmpty(t, s.SecretCiphertext.SecretCiphertext)
	assert.NotContains(t, string(s.SecretCiphertext.SecretCiphertext), "ghp_secret_value")

	plaintext, meta, err := v.Reveal(ctx, tn, orgID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret_value", string(plaintext))
	assert.Equal(t, s.ID, meta.ID)
}

func TestCreateValidation(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	_, err := v.Create(ctx, tn, orgID, "no-such-connector", "name", []byte("x"), "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, e.Status)

	_, err = v.Create(ctx, tn, orgID, "github", "  ", []byte("x"), "u")
	require.Error(t, err)

	_, err = v.Create(ctx, tn, orgID, "github", "name", nil, "u")
	require.Error(t, err)
}

func TestDuplicateNameConflicts(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	_, err := v.Create(ctx, tn, orgID, "github", "token", []byte("a"), "u")
	require.NoError(t, err)
	_, err = v.Create(ctx, tn, orgID, "github", "token", []byte("b"), "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.Status)
}

func TestRotateKeepsIdentityAndReplacesCiphertext(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	s, err := v.Create(ctx, tn, orgID, "slack", "bot-token", []byte("old-value"), "creator")
	require.NoError(t, err)

	rotated, err := v.Rotate(ctx, tn, orgID, s.ID, []byte("new-value"), "rotator")
	require.NoError(t, err)
	assert.Equal(t, s.ID, rotated.ID)
	assert.Equal(t, s.ConnectorID, rotated.ConnectorID)
	assert.Equal(t, s.Name, rotated.Name)
	assert.Equal(t, "rotator", rotated.UpdatedBy)
	assert.NotEqual(t, s.SecretCiphertext.SecretCiphertext, rotated.SecretCiphertext.SecretCiphertext)

	plaintext, _, err := v.Reveal(ctx, tn, orgID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-value", string(plaintext))
}

func TestOldRingEntriesStillOpenAfterKekRotation(t *testing.T) {
	st := store.NewMemory()
	orgID := uuid.NewString()
	tn := store.Tenant{ActorUserID: uuid.NewString(), OrgID: orgID}
	oldKek := bytes.Repeat([]byte{1}, 32)
	newKek := bytes.Repeat([]byte{2}, 32)

	v1 := New(st, catalog.New(), "kek-old", map[string][]byte{"kek-old": oldKek})
	s, err := v1.Create(context.Background(), tn, orgID, "github", "token", []byte("sealed-under-old"), "u")
	require.NoError(t, err)

	// New active KEK, old one kept in the ring.
	v2 := New(st, catalog.New(), "kek-new", map[string][]byte{"kek-old": oldKek, "kek-new": newKek})
	plaintext, _, err := v2.Reveal(context.Background(), tn, orgID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed-under-old", string(plaintext))

	// Without the old entry the secret is unreadable, not garbage.
	v3 := New(st, catalog.New(), "kek-new", map[string][]byte{"kek-new": newKek})
	_, _, err = v3.Reveal(context.Background(), tn, orgID, s.ID)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeSecretsUnconfigured, e.Code)

	// A rotate under v2 re-seals with the new active KEK.
	_, err = v2.Rotate(context.Background(), tn, orgID, s.ID, []byte("sealed-under-new"), "u")
	require.NoError(t, err)
	plaintext, _, err = v3.Reveal(context.Background(), tn, orgID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed-under-new", string(plaintext))
}

func TestUpsertCreatesThenRotates(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	s1, err := v.Upsert(ctx, tn, orgID, "llm.vertex.oauth", "default", []byte("first"), "u")
	require.NoError(t, err)
	s2, err := v.Upsert(ctx, tn, orgID, "llm.vertex.oauth", "default", []byte("second"), "u")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID, "upsert rotates in place")

	plaintext, _, err := v.Reveal(ctx, tn, orgID, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", string(plaintext))
}

func TestDelete(t *testing.T) {
	v, _, tn, orgID := newTestVault(t)
	ctx := context.Background()

	s, err := v.Create(ctx, tn, orgID, "github", "token", []byte("x"), "u")
	require.NoError(t, err)
	require.NoError(t, v.Delete(ctx, tn, orgID, s.ID))

	err = v.Delete(ctx, tn, orgID, s.ID)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
}
