// Package vault is the only code that materializes connector secret
// plaintext. Each secret is sealed under its own DEK; the DEK is wrapped by
// the KEK named by kekId. Everything outside this package handles secretId
// references and wrapped bytes only.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
)

// Vault wraps and unwraps connector secrets. KEK material is loaded once at
// startup and held in process memory; older ring entries stay resolvable so
// secrets wrapped before a KEK rotation still open.
type Vault struct {
	store       store.Store
	catalog     *catalog.Catalog
	activeKekID string
	keks        map[string][]byte
	now         func() time.Time
}

// New builds a vault over the KEK ring. An empty ring produces an
// unconfigured vault; its operations answer SECRETS_NOT_CONFIGURED.
func New(st store.Store, cat *catalog.Catalog, activeKekID string, keks map[string][]byte) *Vault {
	return &Vault{
		store:       st,
		catalog:     cat,
		activeKekID: activeKekID,
		keks:        keks,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (v *Vault) SetClock(now func() time.Time) { v.now = now }

// Configured reports whether KEK material is present.
func (v *Vault) Configured() bool {
	return v.activeKekID != "" && len(v.keks) > 0
}

func (v *Vault) requireConfigured() error {
	if !v.Configured() {
		return apierr.Unavailable(apierr.CodeSecretsUnconfigured, "secret storage is not configured")
	}
	return nil
}

func (v *Vault) wrap(plaintext []byte) (*cryptoutil.Envelope, error) {
	kek := v.keks[v.activeKekID]
	return cryptoutil.WrapSecret(plaintext, v.activeKekID, kek)
}

func ciphertextFromEnvelope(env *cryptoutil.Envelope) store.SecretCiphertext {
	return store.SecretCiphertext{
		KekID:            env.KekID,
		DekCiphertext:    env.DekCiphertext,
		DekIv:            env.DekIv,
		DekTag:           env.DekTag,
		SecretCiphertext: env.SecretCiphertext,
		SecretIv:         env.SecretIv,
		SecretTag:        env.SecretTag,
	}
}

func envelopeFromSecret(s *store.ConnectorSecret) *cryptoutil.Envelope {
	// The embedded struct shares its name with the promoted ciphertext
	// field, so that one needs the full selector.
	return &cryptoutil.Envelope{
		KekID:            s.KekID,
		DekCiphertext:    s.DekCiphertext,
		DekIv:            s.DekIv,
		DekTag:           s.DekTag,
		SecretCiphertext: s.SecretCiphertext.SecretCiphertext,
		SecretIv:         s.SecretIv,
		SecretTag:        s.SecretTag,
	}
}

// Create seals plaintext and stores a new secret. The connector must be in
// the recognized catalog; a duplicate (org, connector, name) is a 409.
func (v *Vault) Create(ctx context.Context, t store.Tenant, orgID, connectorID, name string, plaintext []byte, actor string) (*store.ConnectorSecret, error) {
	if err := v.requireConfigured(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.Validation("secret name is required")
	}
	if len(plaintext) == 0 {
		return nil, apierr.Validation("secret value is required")
	}
	if !v.catalog.ConnectorExists(connectorID) {
		return nil, apierr.Validation("unknown connector: " + connectorID)
	}

	env, err := v.wrap(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap secret: %w", err)
	}
	now := v.now()
	s := &store.ConnectorSecret{
		ID:               uuid.NewString(),
		OrganizationID:   orgID,
		ConnectorID:      connectorID,
		Name:             name,
		SecretCiphertext: ciphertextFromEnvelope(env),
		CreatedBy:        actor,
		UpdatedBy:        actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := v.store.CreateSecret(ctx, t, s); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apierr.Conflict(apierr.CodeSecretExists, "a secret with this name already exists for the connector")
		}
		return nil, err
	}
	return s, nil
}

// Upsert creates the secret or, when the (connector, name) pair already
// exists, rotates the existing row instead of failing. The Vertex OAuth
// callback uses this to refresh the default credential in place.
func (v *Vault) Upsert(ctx context.Context, t store.Tenant, orgID, connectorID, name string, plaintext []byte, actor string) (*store.ConnectorSecret, error) {
	if err := v.requireConfigured(); err != nil {
		return nil, err
	}
	existing, err := v.store.FindSecretByName(ctx, t, orgID, connectorID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return v.Create(ctx, t, orgID, connectorID, name, plaintext, actor)
		}
		return nil, err
	}
	return v.rotate(ctx, t, existing, plaintext, actor)
}

// Reveal unwraps and returns the plaintext. The caller must not retain it
// beyond the request.
func (v *Vault) Reveal(ctx context.Context, t store.Tenant, orgID, id string) ([]byte, *store.ConnectorSecret, error) {
	if err := v.requireConfigured(); err != nil {
		return nil, nil, err
	}
	s, err := v.store.GetSecret(ctx, t, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apierr.NotFound(apierr.CodeSecretNotFound, "secret not found")
		}
		return nil, nil, err
	}
	kek, ok := v.keks[s.KekID]
	if !ok {
		return nil, nil, apierr.Unavailable(apierr.CodeSecretsUnconfigured, "the key that wrapped this secret is not loaded")
	}
	plaintext, err := cryptoutil.UnwrapSecret(envelopeFromSecret(s), kek)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unwrap secret %s: %w", id, err)
	}
	return plaintext, s, nil
}

// Get returns the secret's metadata, never plaintext.
func (v *Vault) Get(ctx context.Context, t store.Tenant, orgID, id string) (*store.ConnectorSecret, error) {
	s, err := v.store.GetSecret(ctx, t, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeSecretNotFound, "secret not found")
		}
		return nil, err
	}
	return s, nil
}

// List returns secret metadata for the org.
func (v *Vault) List(ctx context.Context, t store.Tenant, orgID string, page store.Page) ([]*store.ConnectorSecret, string, error) {
	return v.store.ListSecrets(ctx, t, orgID, page)
}

// Rotate replaces the wrapped form with a fresh DEK under the current KEK.
// Identity, connectorId, and name are invariant.
func (v *Vault) Rotate(ctx context.Context, t store.Tenant, orgID, id string, plaintext []byte, actor string) (*store.ConnectorSecret, error) {
	if err := v.requireConfigured(); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, apierr.Validation("secret value is required")
	}
	s, err := v.store.GetSecret(ctx, t, orgID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeSecretNotFound, "secret not found")
		}
		return nil, err
	}
	return v.rotate(ctx, t, s, plaintext, actor)
}

func (v *Vault) rotate(ctx context.Context, t store.Tenant, s *store.ConnectorSecret, plaintext []byte, actor string) (*store.ConnectorSecret, error) {
	env, err := v.wrap(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap secret: %w", err)
	}
	updated, err := v.store.RotateSecret(ctx, t, s.OrganizationID, s.ID, ciphertextFromEnvelope(env), actor, v.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeSecretNotFound, "secret not found")
		}
		return nil, err
	}
	return updated, nil
}

// Delete removes the secret. Purely an operation on the wrapped form.
func (v *Vault) Delete(ctx context.Context, t store.Tenant, orgID, id string) error {
	err := v.store.DeleteSecret(ctx, t, orgID, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound(apierr.CodeSecretNotFound, "secret not found")
	}
	return err
}
