package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
)

// Device poll statuses.
const (
	DevicePending   = "pending"
	DeviceConnected = "connected"
)

// DeviceStart mints a device code bound to the org, user, provider, and
// secret name the eventual credential will be stored under.
func (c *Coordinator) DeviceStart(ctx context.Context, orgID, userID, providerID, name string) (string, time.Time, error) {
	if name == "" {
		name = "default"
	}
	code, err := cryptoutil.RandomToken(24)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := c.now().Add(c.stateTTL)
	rec := DeviceRecord{
		OrganizationID: orgID,
		UserID:         userID,
		Provider:       providerID,
		Name:           name,
		ExpiresAt:      expiresAt,
	}
	if err := c.states.PutDevice(ctx, code, rec); err != nil {
		return "", time.Time{}, err
	}
	return code, expiresAt, nil
}

// DevicePollResult reports a poll outcome.
type DevicePollResult struct {
	Status   string `json:"status"`
	SecretID string `json:"secretId,omitempty"`
}

// DevicePoll checks a device code. Without a token value the flow is still
// pending; with one, the value is stored as the org's llm.<provider>.oauth
// secret and the device entry is consumed.
func (c *Coordinator) DevicePoll(ctx context.Context, code, tokenValue string) (*DevicePollResult, error) {
	rec, err := c.states.GetDevice(ctx, code)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, apierr.NotFound(apierr.CodeNotFound, "device code not found or expired")
		}
		return nil, err
	}
	if tokenValue == "" {
		return &DevicePollResult{Status: DevicePending}, nil
	}

	t := store.Tenant{ActorUserID: rec.UserID, OrgID: rec.OrganizationID}
	connectorID := "llm." + rec.Provider + ".oauth"
	secret, err := c.vault.Upsert(ctx, t, rec.OrganizationID, connectorID, rec.Name, []byte(tokenValue), rec.UserID)
	if err != nil {
		return nil, err
	}
	if err := c.states.DeleteDevice(ctx, code); err != nil {
		c.logger.Warn("device code cleanup failed", "error", err)
	}
	return &DevicePollResult{Status: DeviceConnected, SecretID: secret.ID}, nil
}
