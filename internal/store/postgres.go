package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres is the durable Store. Every method runs in its own transaction;
// the tenant context is installed with set_config(..., true) immediately
// after begin so it is scoped to the transaction and released on commit or
// rollback, which the row-level security policies rely on.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and verifies connectivity.
func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

var _ Store = (*Postgres)(nil)

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// withTx opens a transaction, installs the tenant context, runs fn, and
// commits. The deferred rollback is a no-op after commit and guarantees the
// tenant settings never outlive the transaction on error paths.
func (p *Postgres) withTx(ctx context.Context, t Tenant, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('vespid.actor_user_id', $1, true), set_config('vespid.org_id', $2, true)`,
		t.ActorUserID, t.OrgID); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func mapRowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// ============================================================================
// USERS
// ============================================================================

func (p *Postgres) CreateUser(ctx context.Context, t Tenant, u *User) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email_lower, password_hash, display_name, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			u.ID, u.EmailLower, u.PasswordHash, nullStr(u.DisplayName), u.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var displayName sql.NullString
	if err := row.Scan(&u.ID, &u.EmailLower, &u.PasswordHash, &displayName, &u.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	u.DisplayName = displayName.String
	return &u, nil
}

func (p *Postgres) GetUser(ctx context.Context, t Tenant, id string) (*User, error) {
	var u *User
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx,
			`SELECT id, email_lower, password_hash, display_name, created_at FROM users WHERE id = $1`, id))
		return err
	})
	return u, err
}

func (p *Postgres) GetUserByEmail(ctx context.Context, t Tenant, emailLower string) (*User, error) {
	var u *User
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx,
			`SELECT id, email_lower, password_hash, display_name, created_at FROM users WHERE email_lower = lower($1)`, emailLower))
		return err
	})
	return u, err
}

// ============================================================================
// AUTH SESSIONS
// ============================================================================

func (p *Postgres) CreateSession(ctx context.Context, t Tenant, s *Session) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO auth_sessions (id, user_id, refresh_token_hash, expires_at, revoked_at, user_agent, ip, last_used_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID, s.UserID, s.RefreshTokenHash, s.ExpiresAt, nullTime(s.RevokedAt),
			nullStr(s.UserAgent), nullStr(s.IP), s.LastUsedAt, s.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetSession(ctx context.Context, t Tenant, id string) (*Session, error) {
	var s Session
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var revokedAt sql.NullTime
		var userAgent, ip sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, user_id, refresh_token_hash, expires_at, revoked_at, user_agent, ip, last_used_at, created_at
			 FROM auth_sessions WHERE id = $1`, id).
			Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.ExpiresAt, &revokedAt, &userAgent, &ip, &s.LastUsedAt, &s.CreatedAt)
		if err != nil {
			return mapRowErr(err)
		}
		if revokedAt.Valid {
			s.RevokedAt = &revokedAt.Time
		}
		s.UserAgent = userAgent.String
		s.IP = ip.String
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) RotateSession(ctx context.Context, t Tenant, id, refreshTokenHash string, expiresAt, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE auth_sessions SET refresh_token_hash = $2, expires_at = $3, last_used_at = $4 WHERE id = $1`,
			id, refreshTokenHash, expiresAt, at)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) TouchSession(ctx context.Context, t Tenant, id string, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE auth_sessions SET last_used_at = $2 WHERE id = $1`, id, at)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) RevokeSession(ctx context.Context, t Tenant, id string, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE auth_sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) RevokeUserSessions(ctx context.Context, t Tenant, userID string, at time.Time) (int, error) {
	n := 0
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE auth_sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2`,
			userID, at)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		n = int(affected)
		return nil
	})
	return n, err
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// ORGANIZATIONS & MEMBERSHIP
// ============================================================================

func (p *Postgres) CreateOrganization(ctx context.Context, t Tenant, org *Organization, owner *Membership) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO organizations (id, slug, name, settings, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			org.ID, org.Slug, org.Name, mustJSON(org.Settings), org.CreatedAt, org.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memberships (organization_id, user_id, role_key, created_at) VALUES ($1, $2, $3, $4)`,
			owner.OrganizationID, owner.UserID, owner.RoleKey, owner.CreatedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO org_credits (organization_id, balance_credits, updated_at) VALUES ($1, 0, $2)`,
			org.ID, org.CreatedAt)
		return err
	})
}

func scanOrg(scan func(dest ...any) error) (*Organization, error) {
	var org Organization
	var settings []byte
	if err := scan(&org.ID, &org.Slug, &org.Name, &settings, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &org.Settings); err != nil {
			return nil, fmt.Errorf("malformed org settings: %w", err)
		}
	}
	return &org, nil
}

func (p *Postgres) GetOrganization(ctx context.Context, t Tenant, id string) (*Organization, error) {
	var org *Organization
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		org, err = scanOrg(tx.QueryRowContext(ctx,
			`SELECT id, slug, name, settings, created_at, updated_at FROM organizations WHERE id = $1`, id).Scan)
		return err
	})
	return org, err
}

func (p *Postgres) GetOrganizationBySlug(ctx context.Context, t Tenant, slug string) (*Organization, error) {
	var org *Organization
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		org, err = scanOrg(tx.QueryRowContext(ctx,
			`SELECT id, slug, name, settings, created_at, updated_at FROM organizations WHERE slug = $1`, slug).Scan)
		return err
	})
	return org, err
}

func (p *Postgres) ListOrganizationsForUser(ctx context.Context, t Tenant, userID string) ([]*Organization, error) {
	var out []*Organization
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT o.id, o.slug, o.name, o.settings, o.created_at, o.updated_at
			 FROM organizations o JOIN memberships m ON m.organization_id = o.id
			 WHERE m.user_id = $1 ORDER BY o.created_at ASC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			org, err := scanOrg(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, org)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) UpdateOrganizationSettings(ctx context.Context, t Tenant, orgID string, settings OrgSettings, at time.Time) (*Organization, error) {
	var org *Organization
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		org, err = scanOrg(tx.QueryRowContext(ctx,
			`UPDATE organizations SET settings = $2, updated_at = $3 WHERE id = $1
			 RETURNING id, slug, name, settings, created_at, updated_at`,
			orgID, mustJSON(settings), at).Scan)
		return err
	})
	return org, err
}

func (p *Postgres) GetMembership(ctx context.Context, t Tenant, orgID, userID string) (*Membership, error) {
	var m Membership
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT organization_id, user_id, role_key, created_at FROM memberships
			 WHERE organization_id = $1 AND user_id = $2`, orgID, userID).
			Scan(&m.OrganizationID, &m.UserID, &m.RoleKey, &m.CreatedAt)
		return mapRowErr(err)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) ListMembers(ctx context.Context, t Tenant, orgID string) ([]*Membership, error) {
	var out []*Membership
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT organization_id, user_id, role_key, created_at FROM memberships
			 WHERE organization_id = $1 ORDER BY created_at ASC`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Membership
			if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.RoleKey, &m.CreatedAt); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) CreateMembership(ctx context.Context, t Tenant, m *Membership) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memberships (organization_id, user_id, role_key, created_at) VALUES ($1, $2, $3, $4)`,
			m.OrganizationID, m.UserID, m.RoleKey, m.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) UpdateMembershipRole(ctx context.Context, t Tenant, orgID, userID, roleKey string) (*Membership, error) {
	var m Membership
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE memberships SET role_key = $3 WHERE organization_id = $1 AND user_id = $2
			 RETURNING organization_id, user_id, role_key, created_at`,
			orgID, userID, roleKey).
			Scan(&m.OrganizationID, &m.UserID, &m.RoleKey, &m.CreatedAt)
		return mapRowErr(err)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ============================================================================
// INVITATIONS
// ============================================================================

func (p *Postgres) CreateInvitation(ctx context.Context, t Tenant, inv *Invitation) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO invitations (id, organization_id, email_lower, role_key, invited_by, token, status, accepted_by, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			inv.ID, inv.OrganizationID, inv.EmailLower, inv.RoleKey, inv.InvitedByUserID,
			inv.Token, inv.Status, nullStr(inv.AcceptedByUserID), inv.ExpiresAt, inv.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetInvitationByToken(ctx context.Context, t Tenant, tok string) (*Invitation, error) {
	var inv Invitation
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var acceptedBy sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, organization_id, email_lower, role_key, invited_by, token, status, accepted_by, expires_at, created_at
			 FROM invitations WHERE token = $1`, tok).
			Scan(&inv.ID, &inv.OrganizationID, &inv.EmailLower, &inv.RoleKey, &inv.InvitedByUserID,
				&inv.Token, &inv.Status, &acceptedBy, &inv.ExpiresAt, &inv.CreatedAt)
		if err != nil {
			return mapRowErr(err)
		}
		inv.AcceptedByUserID = acceptedBy.String
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *Postgres) MarkInvitationAccepted(ctx context.Context, t Tenant, id, acceptedByUserID string, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE invitations SET status = $2, accepted_by = $3 WHERE id = $1`,
			id, InvitationAccepted, acceptedByUserID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ============================================================================
// CONNECTOR SECRETS
// ============================================================================

const secretCols = `id, organization_id, connector_id, name, kek_id, dek_ciphertext, dek_iv, dek_tag,
	secret_ciphertext, secret_iv, secret_tag, created_by, updated_by, created_at, updated_at`

func scanSecret(scan func(dest ...any) error) (*ConnectorSecret, error) {
	var s ConnectorSecret
	if err := scan(&s.ID, &s.OrganizationID, &s.ConnectorID, &s.Name, &s.KekID,
		&s.DekCiphertext, &s.DekIv, &s.DekTag,
		&s.SecretCiphertext.SecretCiphertext, &s.SecretIv, &s.SecretTag,
		&s.CreatedBy, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	return &s, nil
}

func (p *Postgres) CreateSecret(ctx context.Context, t Tenant, s *ConnectorSecret) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO connector_secrets (`+secretCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			s.ID, s.OrganizationID, s.ConnectorID, s.Name, s.KekID,
			s.DekCiphertext, s.DekIv, s.DekTag,
			s.SecretCiphertext.SecretCiphertext, s.SecretIv, s.SecretTag,
			s.CreatedBy, s.UpdatedBy, s.CreatedAt, s.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetSecret(ctx context.Context, t Tenant, orgID, id string) (*ConnectorSecret, error) {
	var s *ConnectorSecret
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanSecret(tx.QueryRowContext(ctx,
			`SELECT `+secretCols+` FROM connector_secrets WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) FindSecretByName(ctx context.Context, t Tenant, orgID, connectorID, name string) (*ConnectorSecret, error) {
	var s *ConnectorSecret
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanSecret(tx.QueryRowContext(ctx,
			`SELECT `+secretCols+` FROM connector_secrets
			 WHERE organization_id = $1 AND connector_id = $2 AND name = $3`,
			orgID, connectorID, name).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) ListSecrets(ctx context.Context, t Tenant, orgID string, page Page) ([]*ConnectorSecret, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*ConnectorSecret
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+secretCols+` FROM connector_secrets WHERE organization_id = $1`,
			orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSecret(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(s *ConnectorSecret) PageCursor {
		return PageCursor{CreatedAt: s.CreatedAt, ID: s.ID}
	})
	return out, next, nil
}

func (p *Postgres) RotateSecret(ctx context.Context, t Tenant, orgID, id string, ct SecretCiphertext, updatedBy string, at time.Time) (*ConnectorSecret, error) {
	var s *ConnectorSecret
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanSecret(tx.QueryRowContext(ctx,
			`UPDATE connector_secrets SET kek_id = $3, dek_ciphertext = $4, dek_iv = $5, dek_tag = $6,
			   secret_ciphertext = $7, secret_iv = $8, secret_tag = $9, updated_by = $10, updated_at = $11
			 WHERE organization_id = $1 AND id = $2
			 RETURNING `+secretCols,
			orgID, id, ct.KekID, ct.DekCiphertext, ct.DekIv, ct.DekTag,
			ct.SecretCiphertext, ct.SecretIv, ct.SecretTag, updatedBy, at).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) DeleteSecret(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM connector_secrets WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// queryPage appends the shared keyset-pagination predicate and ordering to a
// single-parameter base query.
func queryPage(ctx context.Context, tx *sql.Tx, base, arg string, cursor *PageCursor, limit int) (*sql.Rows, error) {
	if cursor != nil {
		return tx.QueryContext(ctx,
			base+` AND (created_at, id) < ($2, $3) ORDER BY created_at DESC, id DESC LIMIT $4`,
			arg, cursor.CreatedAt, cursor.ID, limit+1)
	}
	return tx.QueryContext(ctx,
		base+` ORDER BY created_at DESC, id DESC LIMIT $2`, arg, limit+1)
}

// trimPage cuts the limit+1 overfetch down to limit and derives nextCursor.
func trimPage[T any](rows []T, limit int, key func(T) PageCursor) ([]T, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	return rows, EncodeCursor(key(rows[limit-1]))
}

// ============================================================================
// WORKFLOWS
// ============================================================================

const workflowCols = `id, organization_id, family_id, revision, source_workflow_id, name, status, version,
	dsl, editor_state, created_by, published_at, created_at, updated_at`

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	var w Workflow
	var sourceID sql.NullString
	var publishedAt sql.NullTime
	var dsl, editorState []byte
	if err := scan(&w.ID, &w.OrganizationID, &w.FamilyID, &w.Revision, &sourceID, &w.Name, &w.Status,
		&w.Version, &dsl, &editorState, &w.CreatedBy, &publishedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	w.SourceWorkflowID = sourceID.String
	if publishedAt.Valid {
		w.PublishedAt = &publishedAt.Time
	}
	w.DSL = dsl
	w.EditorState = editorState
	return &w, nil
}

func (p *Postgres) CreateWorkflow(ctx context.Context, t Tenant, w *Workflow) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (`+workflowCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			w.ID, w.OrganizationID, w.FamilyID, w.Revision, nullStr(w.SourceWorkflowID), w.Name,
			w.Status, w.Version, nullJSON(w.DSL), nullJSON(w.EditorState), w.CreatedBy,
			nullTime(w.PublishedAt), w.CreatedAt, w.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetWorkflow(ctx context.Context, t Tenant, orgID, id string) (*Workflow, error) {
	var w *Workflow
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		w, err = scanWorkflow(tx.QueryRowContext(ctx,
			`SELECT `+workflowCols+` FROM workflows WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return w, err
}

func (p *Postgres) ListWorkflows(ctx context.Context, t Tenant, orgID string, page Page) ([]*Workflow, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*Workflow
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+workflowCols+` FROM workflows WHERE organization_id = $1`, orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorkflow(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(w *Workflow) PageCursor {
		return PageCursor{CreatedAt: w.CreatedAt, ID: w.ID}
	})
	return out, next, nil
}

func (p *Postgres) ListWorkflowRevisions(ctx context.Context, t Tenant, orgID, familyID string) ([]*Workflow, error) {
	var out []*Workflow
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+workflowCols+` FROM workflows
			 WHERE organization_id = $1 AND family_id = $2 ORDER BY revision DESC`, orgID, familyID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorkflow(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) MaxWorkflowRevision(ctx context.Context, t Tenant, orgID, familyID string) (int, error) {
	maxRev := 0
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(revision), 0) FROM workflows WHERE organization_id = $1 AND family_id = $2`,
			orgID, familyID).Scan(&maxRev)
	})
	return maxRev, err
}

func (p *Postgres) UpdateWorkflowDraft(ctx context.Context, t Tenant, orgID, id string, patch WorkflowDraftPatch, at time.Time) (*Workflow, error) {
	var w *Workflow
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		existing, err := scanWorkflow(tx.QueryRowContext(ctx,
			`SELECT `+workflowCols+` FROM workflows WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
			orgID, id).Scan)
		if err != nil {
			return err
		}
		if existing.Status == WorkflowPublished {
			return ErrConflict
		}
		name := existing.Name
		if patch.Name != nil {
			name = *patch.Name
		}
		dsl := existing.DSL
		if patch.DSL != nil {
			dsl = patch.DSL
		}
		editorState := existing.EditorState
		if patch.EditorState != nil {
			editorState = patch.EditorState
		}
		w, err = scanWorkflow(tx.QueryRowContext(ctx,
			`UPDATE workflows SET name = $3, dsl = $4, editor_state = $5, version = version + 1, updated_at = $6
			 WHERE organization_id = $1 AND id = $2 RETURNING `+workflowCols,
			orgID, id, name, nullJSON(dsl), nullJSON(editorState), at).Scan)
		return err
	})
	return w, err
}

func (p *Postgres) PublishWorkflow(ctx context.Context, t Tenant, orgID, id string, at time.Time) (*Workflow, error) {
	var w *Workflow
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM workflows WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
			orgID, id).Scan(&status); err != nil {
			return mapRowErr(err)
		}
		if status == WorkflowPublished {
			return ErrConflict
		}
		var err error
		w, err = scanWorkflow(tx.QueryRowContext(ctx,
			`UPDATE workflows SET status = $3, published_at = $4, updated_at = $4
			 WHERE organization_id = $1 AND id = $2 RETURNING `+workflowCols,
			orgID, id, WorkflowPublished, at).Scan)
		return err
	})
	return w, err
}

// ============================================================================
// WORKFLOW RUNS
// ============================================================================

const runCols = `id, organization_id, workflow_id, trigger_type, status, attempt_count, max_attempts,
	input, output, error, requested_by, created_at, updated_at`

func scanRun(scan func(dest ...any) error) (*WorkflowRun, error) {
	var r WorkflowRun
	var input, output []byte
	var errMsg, requestedBy sql.NullString
	if err := scan(&r.ID, &r.OrganizationID, &r.WorkflowID, &r.TriggerType, &r.Status,
		&r.AttemptCount, &r.MaxAttempts, &input, &output, &errMsg, &requestedBy,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	r.Input = input
	r.Output = output
	r.Error = errMsg.String
	r.RequestedBy = requestedBy.String
	return &r, nil
}

func (p *Postgres) CreateRun(ctx context.Context, t Tenant, r *WorkflowRun) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_runs (`+runCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, r.OrganizationID, r.WorkflowID, r.TriggerType, r.Status, r.AttemptCount,
			r.MaxAttempts, nullJSON(r.Input), nullJSON(r.Output), nullStr(r.Error),
			nullStr(r.RequestedBy), r.CreatedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetRun(ctx context.Context, t Tenant, orgID, id string) (*WorkflowRun, error) {
	var r *WorkflowRun
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		r, err = scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runCols+` FROM workflow_runs WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return r, err
}

func (p *Postgres) ListRuns(ctx context.Context, t Tenant, orgID, workflowID string, page Page) ([]*WorkflowRun, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*WorkflowRun
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		var rows *sql.Rows
		var err error
		if cursor != nil {
			rows, err = tx.QueryContext(ctx,
				`SELECT `+runCols+` FROM workflow_runs
				 WHERE organization_id = $1 AND ($2 = '' OR workflow_id = $2)
				   AND (created_at, id) < ($3, $4)
				 ORDER BY created_at DESC, id DESC LIMIT $5`,
				orgID, workflowID, cursor.CreatedAt, cursor.ID, limit+1)
		} else {
			rows, err = tx.QueryContext(ctx,
				`SELECT `+runCols+` FROM workflow_runs
				 WHERE organization_id = $1 AND ($2 = '' OR workflow_id = $2)
				 ORDER BY created_at DESC, id DESC LIMIT $3`,
				orgID, workflowID, limit+1)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRun(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(r *WorkflowRun) PageCursor {
		return PageCursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
	return out, next, nil
}

func (p *Postgres) DeleteQueuedRun(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		var status string
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT status, attempt_count FROM workflow_runs
			 WHERE organization_id = $1 AND id = $2 FOR UPDATE`, orgID, id).
			Scan(&status, &attempts)
		if err != nil {
			return mapRowErr(err)
		}
		if status != RunQueued || attempts != 0 {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_run_events WHERE run_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM workflow_runs WHERE organization_id = $1 AND id = $2`, orgID, id)
		return err
	})
}

func (p *Postgres) AppendRunEvent(ctx context.Context, t Tenant, e *WorkflowRunEvent) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT true FROM workflow_runs WHERE id = $1 FOR UPDATE`, e.RunID).Scan(&exists); err != nil {
			return mapRowErr(err)
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO workflow_run_events (id, run_id, seq, event_type, payload, created_at)
			 SELECT $1, $2, COALESCE(MAX(seq) + 1, 0), $3, $4, $5 FROM workflow_run_events WHERE run_id = $2
			 RETURNING seq`,
			e.ID, e.RunID, e.EventType, nullJSON(e.Payload), e.CreatedAt).Scan(&e.Seq)
	})
}

func (p *Postgres) ListRunEvents(ctx context.Context, t Tenant, orgID, runID string, page Page) ([]*WorkflowRunEvent, string, error) {
	cursor, err := DecodeSeqCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	afterSeq := int64(-1)
	if cursor != nil {
		afterSeq = cursor.Seq
	}
	limit := page.limit()
	var out []*WorkflowRunEvent
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT true FROM workflow_runs WHERE organization_id = $1 AND id = $2`,
			orgID, runID).Scan(&exists); err != nil {
			return mapRowErr(err)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT id, run_id, seq, event_type, payload, created_at FROM workflow_run_events
			 WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
			runID, afterSeq, limit+1)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e WorkflowRunEvent
			var payload []byte
			if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &payload, &e.CreatedAt); err != nil {
				return err
			}
			e.Payload = payload
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = EncodeCursor(SeqCursor{Seq: out[limit-1].Seq})
	}
	return out, next, nil
}

// ============================================================================
// AGENTS
// ============================================================================

const agentCols = `id, organization_id, name, engine_id, llm, prompt, toolset_id, status, created_by, created_at, updated_at`

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var llm, prompt []byte
	var toolsetID sql.NullString
	if err := scan(&a.ID, &a.OrganizationID, &a.Name, &a.EngineID, &llm, &prompt,
		&toolsetID, &a.Status, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if len(llm) > 0 {
		if err := json.Unmarshal(llm, &a.LLM); err != nil {
			return nil, fmt.Errorf("malformed agent llm config: %w", err)
		}
	}
	if len(prompt) > 0 {
		if err := json.Unmarshal(prompt, &a.Prompt); err != nil {
			return nil, fmt.Errorf("malformed agent prompt: %w", err)
		}
	}
	a.ToolsetID = toolsetID.String
	return &a, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, t Tenant, a *Agent) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (`+agentCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.OrganizationID, a.Name, a.EngineID, mustJSON(a.LLM), mustJSON(a.Prompt),
			nullStr(a.ToolsetID), a.Status, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetAgent(ctx context.Context, t Tenant, orgID, id string) (*Agent, error) {
	var a *Agent
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		a, err = scanAgent(tx.QueryRowContext(ctx,
			`SELECT `+agentCols+` FROM agents WHERE organization_id = $1 AND id = $2`, orgID, id).Scan)
		return err
	})
	return a, err
}

func (p *Postgres) ListAgents(ctx context.Context, t Tenant, orgID string, page Page) ([]*Agent, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*Agent
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+agentCols+` FROM agents WHERE organization_id = $1`, orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(a *Agent) PageCursor {
		return PageCursor{CreatedAt: a.CreatedAt, ID: a.ID}
	})
	return out, next, nil
}

func (p *Postgres) UpdateAgent(ctx context.Context, t Tenant, a *Agent) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET name = $3, engine_id = $4, llm = $5, prompt = $6, toolset_id = $7,
			   status = $8, updated_at = $9
			 WHERE organization_id = $1 AND id = $2`,
			a.OrganizationID, a.ID, a.Name, a.EngineID, mustJSON(a.LLM), mustJSON(a.Prompt),
			nullStr(a.ToolsetID), a.Status, a.UpdatedAt)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) DeleteAgent(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM agents WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ============================================================================
// AGENT BINDINGS
// ============================================================================

func (p *Postgres) CreateBinding(ctx context.Context, t Tenant, b *AgentBinding) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_bindings (id, organization_id, agent_id, priority, dimension, match, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ID, b.OrganizationID, b.AgentID, b.Priority, b.Dimension,
			mustJSON(b.Match), nullJSON(b.Metadata), b.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) ListBindings(ctx context.Context, t Tenant, orgID string) ([]*AgentBinding, error) {
	var out []*AgentBinding
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, organization_id, agent_id, priority, dimension, match, metadata, created_at
			 FROM agent_bindings WHERE organization_id = $1 ORDER BY id ASC`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b AgentBinding
			var match, metadata []byte
			if err := rows.Scan(&b.ID, &b.OrganizationID, &b.AgentID, &b.Priority, &b.Dimension,
				&match, &metadata, &b.CreatedAt); err != nil {
				return err
			}
			if len(match) > 0 {
				if err := json.Unmarshal(match, &b.Match); err != nil {
					return fmt.Errorf("malformed binding match: %w", err)
				}
			}
			b.Metadata = metadata
			out = append(out, &b)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) DeleteBinding(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM agent_bindings WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ============================================================================
// AGENT SESSIONS
// ============================================================================

const agentSessionCols = `id, organization_id, session_key, scope, routed_agent_id, binding_id, pinned_agent_id,
	engine_id, toolset_id, llm, prompt, tools_allow, limits, executor_selector, status,
	last_activity_at, created_at, updated_at`

func scanAgentSession(scan func(dest ...any) error) (*AgentSession, error) {
	var s AgentSession
	var routed, binding, pinned, toolset, executor sql.NullString
	var llm, prompt, toolsAllow, limits []byte
	if err := scan(&s.ID, &s.OrganizationID, &s.SessionKey, &s.Scope, &routed, &binding, &pinned,
		&s.EngineID, &toolset, &llm, &prompt, &toolsAllow, &limits, &executor, &s.Status,
		&s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	s.RoutedAgentID = routed.String
	s.BindingID = binding.String
	s.PinnedAgentID = pinned.String
	s.ToolsetID = toolset.String
	s.ExecutorSelector = executor.String
	if len(llm) > 0 {
		if err := json.Unmarshal(llm, &s.LLM); err != nil {
			return nil, fmt.Errorf("malformed session llm config: %w", err)
		}
	}
	if len(prompt) > 0 {
		if err := json.Unmarshal(prompt, &s.Prompt); err != nil {
			return nil, fmt.Errorf("malformed session prompt: %w", err)
		}
	}
	if len(toolsAllow) > 0 {
		if err := json.Unmarshal(toolsAllow, &s.ToolsAllow); err != nil {
			return nil, fmt.Errorf("malformed tools allow list: %w", err)
		}
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &s.Limits); err != nil {
			return nil, fmt.Errorf("malformed session limits: %w", err)
		}
	}
	return &s, nil
}

func (p *Postgres) CreateAgentSession(ctx context.Context, t Tenant, s *AgentSession) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_sessions (`+agentSessionCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			s.ID, s.OrganizationID, s.SessionKey, s.Scope, nullStr(s.RoutedAgentID), nullStr(s.BindingID),
			nullStr(s.PinnedAgentID), s.EngineID, nullStr(s.ToolsetID), mustJSON(s.LLM), mustJSON(s.Prompt),
			mustJSON(s.ToolsAllow), mustJSON(s.Limits), nullStr(s.ExecutorSelector), s.Status,
			s.LastActivityAt, s.CreatedAt, s.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetAgentSession(ctx context.Context, t Tenant, orgID, id string) (*AgentSession, error) {
	var s *AgentSession
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanAgentSession(tx.QueryRowContext(ctx,
			`SELECT `+agentSessionCols+` FROM agent_sessions WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) FindActiveSessionByKey(ctx context.Context, t Tenant, orgID, sessionKey string) (*AgentSession, error) {
	var s *AgentSession
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanAgentSession(tx.QueryRowContext(ctx,
			`SELECT `+agentSessionCols+` FROM agent_sessions
			 WHERE organization_id = $1 AND session_key = $2 AND status = $3
			 ORDER BY created_at DESC LIMIT 1`,
			orgID, sessionKey, SessionActive).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) ListAgentSessions(ctx context.Context, t Tenant, orgID string, page Page) ([]*AgentSession, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*AgentSession
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+agentSessionCols+` FROM agent_sessions WHERE organization_id = $1`, orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanAgentSession(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(s *AgentSession) PageCursor {
		return PageCursor{CreatedAt: s.CreatedAt, ID: s.ID}
	})
	return out, next, nil
}

func (p *Postgres) ResetAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) (*AgentSession, error) {
	var s *AgentSession
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanAgentSession(tx.QueryRowContext(ctx,
			`UPDATE agent_sessions SET pinned_agent_id = NULL, executor_selector = NULL, updated_at = $3
			 WHERE organization_id = $1 AND id = $2 RETURNING `+agentSessionCols,
			orgID, id, at).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) ArchiveAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agent_sessions SET status = $3, updated_at = $4 WHERE organization_id = $1 AND id = $2`,
			orgID, id, SessionArchived, at)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) TouchAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agent_sessions SET last_activity_at = $3 WHERE organization_id = $1 AND id = $2`,
			orgID, id, at)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ============================================================================
// AGENT SESSION EVENTS
// ============================================================================

const sessionEventCols = `id, session_id, seq, event_type, level, idempotency_key, payload, created_at`

func scanSessionEvent(scan func(dest ...any) error) (*AgentSessionEvent, error) {
	var e AgentSessionEvent
	var idemKey sql.NullString
	var payload []byte
	if err := scan(&e.ID, &e.SessionID, &e.Seq, &e.EventType, &e.Level, &idemKey, &payload, &e.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	e.IdempotencyKey = idemKey.String
	e.Payload = payload
	return &e, nil
}

func (p *Postgres) AppendSessionEvent(ctx context.Context, t Tenant, e *AgentSessionEvent) (*AgentSessionEvent, bool, error) {
	var out *AgentSessionEvent
	created := false
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		// Row-lock the session to serialize appends and make seq assignment
		// race-free.
		var orgID string
		if err := tx.QueryRowContext(ctx,
			`SELECT organization_id FROM agent_sessions WHERE id = $1 FOR UPDATE`, e.SessionID).
			Scan(&orgID); err != nil {
			return mapRowErr(err)
		}
		if t.OrgID != "" && orgID != t.OrgID {
			return ErrNotFound
		}
		if e.IdempotencyKey != "" {
			existing, err := scanSessionEvent(tx.QueryRowContext(ctx,
				`SELECT `+sessionEventCols+` FROM agent_session_events
				 WHERE session_id = $1 AND idempotency_key = $2`,
				e.SessionID, e.IdempotencyKey).Scan)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		row, err := scanSessionEvent(tx.QueryRowContext(ctx,
			`INSERT INTO agent_session_events (id, session_id, seq, event_type, level, idempotency_key, payload, created_at)
			 SELECT $1, $2, COALESCE(MAX(seq) + 1, 0), $3, $4, $5, $6, $7
			 FROM agent_session_events WHERE session_id = $2
			 RETURNING `+sessionEventCols,
			e.ID, e.SessionID, e.EventType, e.Level, nullStr(e.IdempotencyKey),
			nullJSON(e.Payload), e.CreatedAt).Scan)
		if err != nil {
			return err
		}
		out = row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (p *Postgres) ListSessionEvents(ctx context.Context, t Tenant, orgID, sessionID string, page Page) ([]*AgentSessionEvent, string, error) {
	cursor, err := DecodeSeqCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	afterSeq := int64(-1)
	if cursor != nil {
		afterSeq = cursor.Seq
	}
	limit := page.limit()
	var out []*AgentSessionEvent
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT true FROM agent_sessions WHERE organization_id = $1 AND id = $2`,
			orgID, sessionID).Scan(&exists); err != nil {
			return mapRowErr(err)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT `+sessionEventCols+` FROM agent_session_events
			 WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
			sessionID, afterSeq, limit+1)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanSessionEvent(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = EncodeCursor(SeqCursor{Seq: out[limit-1].Seq})
	}
	return out, next, nil
}

// ============================================================================
// TOOLSET BUILDER
// ============================================================================

const builderCols = `id, organization_id, created_by, status, llm, latest_intent, selected_component_keys, final_draft, created_at, updated_at`

func scanBuilderSession(scan func(dest ...any) error) (*BuilderSession, error) {
	var s BuilderSession
	var llm, keys, draft []byte
	var intent sql.NullString
	if err := scan(&s.ID, &s.OrganizationID, &s.CreatedBy, &s.Status, &llm, &intent,
		&keys, &draft, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if len(llm) > 0 {
		if err := json.Unmarshal(llm, &s.LLM); err != nil {
			return nil, fmt.Errorf("malformed builder llm config: %w", err)
		}
	}
	s.LatestIntent = intent.String
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &s.SelectedComponentKeys); err != nil {
			return nil, fmt.Errorf("malformed component keys: %w", err)
		}
	}
	s.FinalDraft = draft
	return &s, nil
}

func (p *Postgres) CreateBuilderSession(ctx context.Context, t Tenant, s *BuilderSession) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO builder_sessions (`+builderCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.ID, s.OrganizationID, s.CreatedBy, s.Status, mustJSON(s.LLM), nullStr(s.LatestIntent),
			mustJSON(s.SelectedComponentKeys), nullJSON(s.FinalDraft), s.CreatedAt, s.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetBuilderSession(ctx context.Context, t Tenant, orgID, id string) (*BuilderSession, error) {
	var s *BuilderSession
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		s, err = scanBuilderSession(tx.QueryRowContext(ctx,
			`SELECT `+builderCols+` FROM builder_sessions WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return s, err
}

func (p *Postgres) UpdateBuilderSession(ctx context.Context, t Tenant, s *BuilderSession) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE builder_sessions SET status = $3, latest_intent = $4, selected_component_keys = $5,
			   final_draft = $6, updated_at = $7
			 WHERE organization_id = $1 AND id = $2`,
			s.OrganizationID, s.ID, s.Status, nullStr(s.LatestIntent),
			mustJSON(s.SelectedComponentKeys), nullJSON(s.FinalDraft), s.UpdatedAt)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) AppendBuilderTurn(ctx context.Context, t Tenant, turn *BuilderTurn) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO builder_turns (id, session_id, role, message_text, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			turn.ID, turn.SessionID, turn.Role, turn.MessageText, turn.CreatedAt)
		return err
	})
}

func (p *Postgres) ListBuilderTurns(ctx context.Context, t Tenant, sessionID string, lastN int) ([]*BuilderTurn, error) {
	var out []*BuilderTurn
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, session_id, role, message_text, created_at FROM (
			   SELECT id, session_id, role, message_text, created_at FROM builder_turns
			   WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
			 ) latest ORDER BY created_at ASC, id ASC`,
			sessionID, lastN)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var turn BuilderTurn
			if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.MessageText, &turn.CreatedAt); err != nil {
				return err
			}
			out = append(out, &turn)
		}
		return rows.Err()
	})
	return out, err
}

// ============================================================================
// TOOLSETS
// ============================================================================

const toolsetCols = `id, organization_id, name, description, definition, visibility, public_slug, published_at, created_by, created_at, updated_at`

func scanToolset(scan func(dest ...any) error) (*Toolset, error) {
	var ts Toolset
	var description, slug sql.NullString
	var publishedAt sql.NullTime
	var definition []byte
	if err := scan(&ts.ID, &ts.OrganizationID, &ts.Name, &description, &definition, &ts.Visibility,
		&slug, &publishedAt, &ts.CreatedBy, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	ts.Description = description.String
	ts.PublicSlug = slug.String
	if publishedAt.Valid {
		ts.PublishedAt = &publishedAt.Time
	}
	ts.Definition = definition
	return &ts, nil
}

func (p *Postgres) CreateToolset(ctx context.Context, t Tenant, ts *Toolset) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO toolsets (`+toolsetCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ts.ID, ts.OrganizationID, ts.Name, nullStr(ts.Description), nullJSON(ts.Definition),
			ts.Visibility, nullStr(ts.PublicSlug), nullTime(ts.PublishedAt), ts.CreatedBy,
			ts.CreatedAt, ts.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetToolset(ctx context.Context, t Tenant, orgID, id string) (*Toolset, error) {
	var ts *Toolset
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		ts, err = scanToolset(tx.QueryRowContext(ctx,
			`SELECT `+toolsetCols+` FROM toolsets WHERE organization_id = $1 AND id = $2`, orgID, id).Scan)
		return err
	})
	return ts, err
}

func (p *Postgres) ListToolsets(ctx context.Context, t Tenant, orgID string, page Page) ([]*Toolset, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*Toolset
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+toolsetCols+` FROM toolsets WHERE organization_id = $1`, orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ts, err := scanToolset(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(ts *Toolset) PageCursor {
		return PageCursor{CreatedAt: ts.CreatedAt, ID: ts.ID}
	})
	return out, next, nil
}

func (p *Postgres) UpdateToolset(ctx context.Context, t Tenant, ts *Toolset) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE toolsets SET name = $3, description = $4, definition = $5, visibility = $6, updated_at = $7
			 WHERE organization_id = $1 AND id = $2`,
			ts.OrganizationID, ts.ID, ts.Name, nullStr(ts.Description), nullJSON(ts.Definition),
			ts.Visibility, ts.UpdatedAt)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) DeleteToolset(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM toolsets WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) PublishToolset(ctx context.Context, t Tenant, orgID, id, publicSlug string, at time.Time) (*Toolset, error) {
	var ts *Toolset
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		ts, err = scanToolset(tx.QueryRowContext(ctx,
			`UPDATE toolsets SET visibility = $3, public_slug = $4, published_at = $5, updated_at = $5
			 WHERE organization_id = $1 AND id = $2 RETURNING `+toolsetCols,
			orgID, id, VisibilityPublic, publicSlug, at).Scan)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
	return ts, err
}

func (p *Postgres) UnpublishToolset(ctx context.Context, t Tenant, orgID, id, visibility string, at time.Time) (*Toolset, error) {
	var ts *Toolset
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		ts, err = scanToolset(tx.QueryRowContext(ctx,
			`UPDATE toolsets SET visibility = $3, public_slug = NULL, published_at = NULL, updated_at = $4
			 WHERE organization_id = $1 AND id = $2 RETURNING `+toolsetCols,
			orgID, id, visibility, at).Scan)
		return err
	})
	return ts, err
}

func (p *Postgres) ListPublicToolsets(ctx context.Context, t Tenant, page Page) ([]*Toolset, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*Toolset
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT `+toolsetCols+` FROM toolsets WHERE visibility = $1`, VisibilityPublic, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ts, err := scanToolset(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(ts *Toolset) PageCursor {
		return PageCursor{CreatedAt: ts.CreatedAt, ID: ts.ID}
	})
	return out, next, nil
}

// ============================================================================
// CREDITS
// ============================================================================

func (p *Postgres) GetCredits(ctx context.Context, t Tenant, orgID string) (*OrganizationCredits, error) {
	var c OrganizationCredits
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT organization_id, balance_credits, updated_at FROM org_credits WHERE organization_id = $1`,
			orgID).Scan(&c.OrganizationID, &c.BalanceCredits, &c.UpdatedAt)
		return mapRowErr(err)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ApplyCredit(ctx context.Context, t Tenant, entry *CreditLedgerEntry) (bool, *OrganizationCredits, error) {
	var c OrganizationCredits
	applied := false
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT organization_id, balance_credits, updated_at FROM org_credits
			 WHERE organization_id = $1 FOR UPDATE`, entry.OrganizationID).
			Scan(&c.OrganizationID, &c.BalanceCredits, &c.UpdatedAt); err != nil {
			return mapRowErr(err)
		}
		if entry.StripeEventID != "" {
			var dup bool
			err := tx.QueryRowContext(ctx,
				`SELECT true FROM credit_ledger WHERE stripe_event_id = $1`, entry.StripeEventID).Scan(&dup)
			if err == nil {
				return nil // duplicate event: applied stays false
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		if c.BalanceCredits+entry.DeltaCredits < 0 {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_ledger (id, organization_id, delta_credits, reason, stripe_event_id, workflow_run_id, created_by, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entry.ID, entry.OrganizationID, entry.DeltaCredits, entry.Reason,
			nullStr(entry.StripeEventID), nullStr(entry.WorkflowRunID), nullStr(entry.CreatedBy),
			nullJSON(entry.Metadata), entry.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil // raced duplicate: treat as not applied
			}
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`UPDATE org_credits SET balance_credits = balance_credits + $2, updated_at = $3
			 WHERE organization_id = $1 RETURNING balance_credits, updated_at`,
			entry.OrganizationID, entry.DeltaCredits, entry.CreatedAt).
			Scan(&c.BalanceCredits, &c.UpdatedAt); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return applied, &c, nil
}

func (p *Postgres) ListLedger(ctx context.Context, t Tenant, orgID string, page Page) ([]*CreditLedgerEntry, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := page.limit()
	var out []*CreditLedgerEntry
	err = p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := queryPage(ctx, tx,
			`SELECT id, organization_id, delta_credits, reason, stripe_event_id, workflow_run_id, created_by, metadata, created_at
			 FROM credit_ledger WHERE organization_id = $1`, orgID, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e CreditLedgerEntry
			var stripeID, runID, createdBy sql.NullString
			var metadata []byte
			if err := rows.Scan(&e.ID, &e.OrganizationID, &e.DeltaCredits, &e.Reason,
				&stripeID, &runID, &createdBy, &metadata, &e.CreatedAt); err != nil {
				return err
			}
			e.StripeEventID = stripeID.String
			e.WorkflowRunID = runID.String
			e.CreatedBy = createdBy.String
			e.Metadata = metadata
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	out, next := trimPage(out, limit, func(e *CreditLedgerEntry) PageCursor {
		return PageCursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return out, next, nil
}

// ============================================================================
// EXECUTORS & PAIRING
// ============================================================================

const executorCols = `id, organization_id, name, kind, token_hash, status, last_seen_at, revoked_at, created_at`

func scanExecutor(scan func(dest ...any) error) (*Executor, error) {
	var e Executor
	var lastSeen, revokedAt sql.NullTime
	if err := scan(&e.ID, &e.OrganizationID, &e.Name, &e.Kind, &e.TokenHash, &e.Status,
		&lastSeen, &revokedAt, &e.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if lastSeen.Valid {
		e.LastSeenAt = &lastSeen.Time
	}
	if revokedAt.Valid {
		e.RevokedAt = &revokedAt.Time
	}
	return &e, nil
}

func (p *Postgres) CreateExecutor(ctx context.Context, t Tenant, e *Executor) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO executors (`+executorCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.OrganizationID, e.Name, e.Kind, e.TokenHash, e.Status,
			nullTime(e.LastSeenAt), nullTime(e.RevokedAt), e.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetExecutor(ctx context.Context, t Tenant, orgID, id string) (*Executor, error) {
	var e *Executor
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		e, err = scanExecutor(tx.QueryRowContext(ctx,
			`SELECT `+executorCols+` FROM executors WHERE organization_id = $1 AND id = $2`, orgID, id).Scan)
		return err
	})
	return e, err
}

func (p *Postgres) GetExecutorByTokenHash(ctx context.Context, t Tenant, tokenHash string) (*Executor, error) {
	var e *Executor
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		e, err = scanExecutor(tx.QueryRowContext(ctx,
			`SELECT `+executorCols+` FROM executors WHERE token_hash = $1 AND status = $2`,
			tokenHash, ExecutorStatusActive).Scan)
		return err
	})
	return e, err
}

func (p *Postgres) ListExecutors(ctx context.Context, t Tenant, orgID string) ([]*Executor, error) {
	var out []*Executor
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+executorCols+` FROM executors WHERE organization_id = $1 ORDER BY created_at ASC`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanExecutor(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) RevokeExecutor(ctx context.Context, t Tenant, orgID, id string, at time.Time) (bool, error) {
	changed := false
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM executors WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
			orgID, id).Scan(&status); err != nil {
			return mapRowErr(err)
		}
		if status == ExecutorStatusRevoked {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executors SET status = $3, revoked_at = $4 WHERE organization_id = $1 AND id = $2`,
			orgID, id, ExecutorStatusRevoked, at); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (p *Postgres) CreatePairingToken(ctx context.Context, t Tenant, pt *PairingToken) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pairing_tokens (id, organization_id, executor_name, secret_hash, expires_at, used_at, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pt.ID, pt.OrganizationID, pt.ExecutorName, pt.SecretHash, pt.ExpiresAt,
			nullTime(pt.UsedAt), pt.CreatedBy, pt.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) ConsumePairingToken(ctx context.Context, t Tenant, id, secretHash string, now time.Time) (*PairingToken, error) {
	var pt PairingToken
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var usedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT id, organization_id, executor_name, secret_hash, expires_at, used_at, created_by, created_at
			 FROM pairing_tokens WHERE id = $1 AND used_at IS NULL AND expires_at > $2 FOR UPDATE`,
			id, now).
			Scan(&pt.ID, &pt.OrganizationID, &pt.ExecutorName, &pt.SecretHash, &pt.ExpiresAt,
				&usedAt, &pt.CreatedBy, &pt.CreatedAt)
		if err != nil {
			return mapRowErr(err)
		}
		if subtle.ConstantTimeCompare([]byte(pt.SecretHash), []byte(secretHash)) != 1 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pairing_tokens SET used_at = $2 WHERE id = $1`, id, now); err != nil {
			return err
		}
		used := now
		pt.UsedAt = &used
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

// ============================================================================
// CHANNEL ACCOUNTS
// ============================================================================

const channelAccountCols = `id, organization_id, channel_id, external_id, name, webhook_url, workflow_id, created_by, created_at`

func scanChannelAccount(scan func(dest ...any) error) (*ChannelAccount, error) {
	var a ChannelAccount
	var name, webhookURL, workflowID sql.NullString
	if err := scan(&a.ID, &a.OrganizationID, &a.ChannelID, &a.ExternalID, &name,
		&webhookURL, &workflowID, &a.CreatedBy, &a.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	a.Name = name.String
	a.WebhookURL = webhookURL.String
	a.WorkflowID = workflowID.String
	return &a, nil
}

func (p *Postgres) CreateChannelAccount(ctx context.Context, t Tenant, a *ChannelAccount) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_accounts (`+channelAccountCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.OrganizationID, a.ChannelID, a.ExternalID, nullStr(a.Name),
			nullStr(a.WebhookURL), nullStr(a.WorkflowID), a.CreatedBy, a.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

func (p *Postgres) GetChannelAccount(ctx context.Context, t Tenant, orgID, id string) (*ChannelAccount, error) {
	var a *ChannelAccount
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		a, err = scanChannelAccount(tx.QueryRowContext(ctx,
			`SELECT `+channelAccountCols+` FROM channel_accounts WHERE organization_id = $1 AND id = $2`,
			orgID, id).Scan)
		return err
	})
	return a, err
}

func (p *Postgres) FindChannelAccount(ctx context.Context, t Tenant, channelID, externalID string) (*ChannelAccount, error) {
	var a *ChannelAccount
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		var err error
		a, err = scanChannelAccount(tx.QueryRowContext(ctx,
			`SELECT `+channelAccountCols+` FROM channel_accounts WHERE channel_id = $1 AND external_id = $2`,
			channelID, externalID).Scan)
		return err
	})
	return a, err
}

func (p *Postgres) ListChannelAccounts(ctx context.Context, t Tenant, orgID string) ([]*ChannelAccount, error) {
	var out []*ChannelAccount
	err := p.withTx(ctx, t, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+channelAccountCols+` FROM channel_accounts WHERE organization_id = $1 ORDER BY created_at ASC`,
			orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanChannelAccount(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) DeleteChannelAccount(ctx context.Context, t Tenant, orgID, id string) error {
	return p.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM channel_accounts WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}
