// Package oauth runs the authorization-code and device flows: state/nonce/
// PKCE generation, one-shot state consumption bound to two signed cookies,
// provider code exchange, and user or secret upsert on callback.
package oauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStateNotFound is returned when a state or device record is missing,
// already consumed, or expired.
var ErrStateNotFound = errors.New("oauth state not found")

// StateRecord is the short-TTL server side of one authorization-code
// round trip.
type StateRecord struct {
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"codeVerifier"`
	Nonce        string    `json:"nonce"`
	// OrgID and ActorUserID are set for flows that persist a secret
	// (Vertex) instead of logging a user in; ProjectID and Location pin the
	// Vertex placement the stored credential targets.
	OrgID       string    `json:"orgId,omitempty"`
	ActorUserID string    `json:"actorUserId,omitempty"`
	ProjectID   string    `json:"projectId,omitempty"`
	Location    string    `json:"location,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// DeviceRecord is the short-TTL server side of one device-flow connect.
type DeviceRecord struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	Provider       string    `json:"provider"`
	Name           string    `json:"name"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// StateStore keeps state and device records. Consume is one-shot: a second
// consume of the same key fails.
type StateStore interface {
	PutState(ctx context.Context, state string, rec StateRecord) error
	ConsumeState(ctx context.Context, state string) (*StateRecord, error)
	PutDevice(ctx context.Context, code string, rec DeviceRecord) error
	GetDevice(ctx context.Context, code string) (*DeviceRecord, error)
	DeleteDevice(ctx context.Context, code string) error
}

// MemoryStateStore is the default process-local store. A janitor sweeps
// expired records so abandoned flows do not accumulate.
type MemoryStateStore struct {
	mu      sync.Mutex
	states  map[string]StateRecord
	devices map[string]DeviceRecord
	now     func() time.Time
}

// NewMemoryStateStore creates the store and starts its sweep loop.
func NewMemoryStateStore() *MemoryStateStore {
	s := &MemoryStateStore{
		states:  make(map[string]StateRecord),
		devices: make(map[string]DeviceRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	go s.sweep()
	return s
}

func (s *MemoryStateStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := s.now()
		s.mu.Lock()
		for k, rec := range s.states {
			if now.After(rec.ExpiresAt) {
				delete(s.states, k)
			}
		}
		for k, rec := range s.devices {
			if now.After(rec.ExpiresAt) {
				delete(s.devices, k)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MemoryStateStore) PutState(_ context.Context, state string, rec StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = rec
	return nil
}

func (s *MemoryStateStore) ConsumeState(_ context.Context, state string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, state)
	if s.now().After(rec.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &rec, nil
}

func (s *MemoryStateStore) PutDevice(_ context.Context, code string, rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[code] = rec
	return nil
}

func (s *MemoryStateStore) GetDevice(_ context.Context, code string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[code]
	if !ok || s.now().After(rec.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &rec, nil
}

func (s *MemoryStateStore) DeleteDevice(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, code)
	return nil
}
