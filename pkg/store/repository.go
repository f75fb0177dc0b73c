package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"treasury/pkg/audit"
	"treasury/pkg/compliance"
	"treasury/pkg/engine"
	"treasury/pkg/models"
)

// ErrStaleVersion means a newer snapshot of the vault is already stored.
var ErrStaleVersion = errors.New("stale vault snapshot version")

// repoDB is satisfied by *pgxpool.Pool.
type repoDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository persists engine state. Each commit writes the snapshot and its
// audit entries in one transaction.
type Repository struct {
	DB repoDB
}

var _ engine.Persister = (*Repository)(nil)

func NewRepository(db repoDB) *Repository {
	return &Repository{DB: db}
}

func (r *Repository) CommitVault(ctx context.Context, snap engine.VaultSnapshot, entries []models.AuditEntry) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode vault snapshot: %w", err)
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO vault_snapshots (vault_id, version, snapshot, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (vault_id) DO UPDATE
			SET version = EXCLUDED.version, snapshot = EXCLUDED.snapshot, updated_at = now()
			WHERE vault_snapshots.version < EXCLUDED.version
		`, snap.ID, int64(snap.Version), raw)
		if err != nil {
			return fmt.Errorf("upsert vault %s: %w", snap.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: vault %s version %d", ErrStaleVersion, snap.ID, snap.Version)
		}
		return audit.NewWriter(tx).Append(ctx, entries...)
	})
}

func (r *Repository) CommitProfile(ctx context.Context, profile models.ComplianceProfile, entries []models.AuditEntry) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO compliance_profiles (subject, profile, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (subject) DO UPDATE SET profile = EXCLUDED.profile, updated_at = now()
		`, profile.Subject, raw); err != nil {
			return fmt.Errorf("upsert profile %s: %w", profile.Subject, err)
		}
		return audit.NewWriter(tx).Append(ctx, entries...)
	})
}

// AppendAudit writes audit entries that carry no state change.
func (r *Repository) AppendAudit(ctx context.Context, entries []models.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return audit.NewWriter(tx).Append(ctx, entries...)
	})
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadVaults returns every stored vault snapshot ordered by id.
func (r *Repository) LoadVaults(ctx context.Context) ([]engine.VaultSnapshot, error) {
	rows, err := r.DB.Query(ctx, `SELECT snapshot FROM vault_snapshots ORDER BY vault_id`)
	if err != nil {
		return nil, fmt.Errorf("query vaults: %w", err)
	}
	defer rows.Close()
	var out []engine.VaultSnapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap engine.VaultSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode vault snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *Repository) LoadProfiles(ctx context.Context) ([]models.ComplianceProfile, error) {
	rows, err := r.DB.Query(ctx, `SELECT profile FROM compliance_profiles ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	var out []models.ComplianceProfile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p models.ComplianceProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Restore loads all persisted state into eng.
func (r *Repository) Restore(ctx context.Context, eng *engine.Engine) error {
	vaults, err := r.LoadVaults(ctx)
	if err != nil {
		return err
	}
	profiles, err := r.LoadProfiles(ctx)
	if err != nil {
		return err
	}
	head, err := audit.NewWriter(r.DB).Head(ctx, compliance.Stream)
	if err != nil {
		return fmt.Errorf("compliance audit head: %w", err)
	}
	return eng.Load(vaults, profiles, head)
}

// Trail returns up to limit persisted entries of stream after seq.
func (r *Repository) Trail(ctx context.Context, stream string, after uint64, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.DB.Query(ctx, `
		SELECT stream, seq, actor, subject, event, at, payload, prev_hash, digest
		FROM audit_entries WHERE stream=$1 AND seq>$2 ORDER BY seq LIMIT $3
	`, stream, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		e, err := audit.ScanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping reports database reachability for health checks.
func (r *Repository) Ping(ctx context.Context) error {
	var one int
	return r.DB.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
