package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"treasury/pkg/models"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  [][]any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *int64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	c := NewChain("vault:v1")
	e1, err := c.Record("alice", "proposal:1", "proposal.create", OutcomeOK, now, map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	e2, err := c.Record("bob", "proposal:1", "proposal.approve", OutcomeOK, now.Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	db := &fakeAuditDB{
		rowValues: []any{e2.Stream, int64(e2.Seq), e2.Actor, e2.Subject, e2.Event, e2.At, []byte(e2.Payload), e2.PrevHash, e2.Digest},
	}
	w := NewWriter(db)
	if err := w.Append(context.Background(), e1, e2); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 2 || len(db.execArgs[0]) != 9 {
		t.Fatalf("expected two 9-arg inserts, got %+v", db.execArgs)
	}
	if got := db.execArgs[1][8]; got != e2.Digest {
		t.Fatalf("unexpected digest arg: %v", got)
	}

	got, err := w.Get(context.Background(), "vault:v1", 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Digest != e2.Digest || got.Seq != 2 || got.Actor != "bob" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if err := Verify([]models.AuditEntry{e1, got}); err != nil {
		t.Fatalf("round-tripped entry should verify: %v", err)
	}
	if len(db.queryArgs) != 2 || db.queryArgs[1] != int64(2) {
		t.Fatalf("unexpected query args: %+v", db.queryArgs)
	}
}

func TestWriterHeadAndErrors(t *testing.T) {
	db := &fakeAuditDB{rowValues: []any{int64(9), "abc"}}
	w := NewWriter(db)
	head, err := w.Head(context.Background(), "vault:v1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Seq != 9 || head.Hash != "abc" || head.Stream != "vault:v1" {
		t.Fatalf("unexpected head: %+v", head)
	}

	db.rowErr = pgx.ErrNoRows
	head, err = w.Head(context.Background(), "vault:v2")
	if err != nil {
		t.Fatalf("empty stream head: %v", err)
	}
	if head.Seq != 0 || head.Hash != Genesis {
		t.Fatalf("expected genesis head, got %+v", head)
	}

	db.rowErr = errors.New("boom")
	if _, err := w.Head(context.Background(), "vault:v1"); err == nil {
		t.Fatal("expected head error")
	}
	if _, err := w.Get(context.Background(), "vault:v1", 1); err == nil {
		t.Fatal("expected get error")
	}

	db.execErr = errors.New("exec failed")
	c := NewChain("vault:v1")
	e, _ := c.Record("alice", "vault", "vault.create", OutcomeOK, time.Now(), nil)
	if err := w.Append(context.Background(), e); err == nil {
		t.Fatal("expected append error")
	}
}
