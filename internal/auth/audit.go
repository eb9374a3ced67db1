package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/config"
)

// Entry is one auth audit record. Kind is one of signup, login,
// login_denied, oauth_login, refresh, logout, logout_all.
type Entry struct {
	ID     string
	Kind   string
	UserID string
	IP     string
	At     time.Time
}

// Audit receives auth lifecycle events. Recording is fire-and-forget: a sink
// failure must never fail the request that produced the entry.
type Audit interface {
	Record(ctx context.Context, e Entry)
}

// NopAudit discards entries.
type NopAudit struct{}

func (NopAudit) Record(context.Context, Entry) {}

// MemoryAudit keeps a bounded in-process ring of recent entries. Used in
// development and as the fallback when Spanner is not configured.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewMemoryAudit creates a memory sink retaining the last 10k entries.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{max: 10000}
}

func (a *MemoryAudit) Record(_ context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	if len(a.entries) > a.max {
		a.entries = a.entries[len(a.entries)-a.max:]
	}
}

// Entries returns a snapshot of recorded entries.
func (a *MemoryAudit) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// NewAuditFromConfig selects the audit backend: Spanner when configured,
// otherwise memory.
func NewAuditFromConfig(cfg *config.Config, logger *slog.Logger) (Audit, error) {
	switch cfg.AuditBackend {
	case "spanner":
		if cfg.GCPProjectID == "" || cfg.SpannerInstanceID == "" || cfg.SpannerDatabaseID == "" {
			return nil, fmt.Errorf("spanner audit backend requires GCP_PROJECT_ID, SPANNER_INSTANCE_ID, SPANNER_DATABASE_ID")
		}
		return NewSpannerAudit(cfg.GCPProjectID, cfg.SpannerInstanceID, cfg.SpannerDatabaseID, logger)
	case "memory", "":
		return NewMemoryAudit(), nil
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.AuditBackend)
	}
}
