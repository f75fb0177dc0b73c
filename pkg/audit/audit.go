// Package audit keeps hash-chained, append-only audit streams and writes them to Postgres.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"treasury/pkg/models"
)

// auditDB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB auditDB
}

func NewWriter(db auditDB) *Writer {
	return &Writer{DB: db}
}

// Append inserts entries in order. Re-inserting an identical (stream, seq) is a no-op.
func (w *Writer) Append(ctx context.Context, entries ...models.AuditEntry) error {
	for _, e := range entries {
		_, err := w.DB.Exec(ctx, `
			INSERT INTO audit_entries
			(stream, seq, actor, subject, event, at, payload, prev_hash, digest)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (stream, seq) DO NOTHING
		`, e.Stream, int64(e.Seq), e.Actor, e.Subject, e.Event, e.At, []byte(e.Payload), e.PrevHash, e.Digest)
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Get(ctx context.Context, stream string, seq uint64) (models.AuditEntry, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT stream, seq, actor, subject, event, at, payload, prev_hash, digest
		FROM audit_entries WHERE stream=$1 AND seq=$2
	`, stream, int64(seq))
	return ScanEntry(row)
}

// Head returns the last persisted entry of a stream, or the genesis head when empty.
func (w *Writer) Head(ctx context.Context, stream string) (Head, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT seq, digest FROM audit_entries WHERE stream=$1 ORDER BY seq DESC LIMIT 1
	`, stream)
	var seq int64
	var digest string
	if err := row.Scan(&seq, &digest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Head{Stream: stream, Hash: Genesis}, nil
		}
		return Head{}, err
	}
	return Head{Stream: stream, Seq: uint64(seq), Hash: digest}, nil
}

// ScanEntry reads one audit_entries row in column order.
func ScanEntry(row pgx.Row) (models.AuditEntry, error) {
	var e models.AuditEntry
	var seq int64
	var payload json.RawMessage
	var at time.Time
	if err := row.Scan(&e.Stream, &seq, &e.Actor, &e.Subject, &e.Event, &at, &payload, &e.PrevHash, &e.Digest); err != nil {
		return e, err
	}
	e.Seq = uint64(seq)
	e.At = at.UTC()
	e.Payload = payload
	return e, nil
}
