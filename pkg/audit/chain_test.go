package audit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"treasury/pkg/models"
)

func buildChain(t *testing.T, n int) (*Chain, []models.AuditEntry) {
	t.Helper()
	c := NewChain("vault:v1")
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	for i := 0; i < n; i++ {
		if _, err := c.Record("alice", "proposal:1", "proposal.approve", OutcomeOK, at.Add(time.Duration(i)*time.Second), map[string]any{"i": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	return c, c.Entries()
}

func TestChainLinksAndVerifies(t *testing.T) {
	c, entries := buildChain(t, 5)
	if entries[0].PrevHash != Genesis || entries[0].Seq != 1 {
		t.Fatalf("first entry not anchored at genesis: %+v", entries[0])
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Digest {
			t.Fatalf("entry %d not linked", i)
		}
	}
	if head := c.Head(); head.Seq != 5 || head.Hash != entries[4].Digest {
		t.Fatalf("unexpected head: %+v", head)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if entries[0].At.Nanosecond()%1000 != 0 {
		t.Fatal("timestamps must be truncated to storage precision")
	}
	if Outcome(entries[2]) != OutcomeOK {
		t.Fatalf("outcome=%q", Outcome(entries[2]))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]models.AuditEntry)
	}{
		{"actor", func(e []models.AuditEntry) { e[2].Actor = "mallory" }},
		{"payload", func(e []models.AuditEntry) { e[1].Payload = json.RawMessage(`{"detail":{"i":99},"outcome":"ok"}`) }},
		{"timestamp", func(e []models.AuditEntry) { e[3].At = e[3].At.Add(time.Second) }},
		{"removed entry", func(e []models.AuditEntry) { copy(e[2:], e[3:]) }},
		{"genesis", func(e []models.AuditEntry) { e[0].PrevHash = "ff" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, entries := buildChain(t, 5)
			tc.mutate(entries)
			if err := Verify(entries); !errors.Is(err, ErrTampered) {
				t.Fatalf("expected tamper detection, got %v", err)
			}
		})
	}
}

func TestPayloadKeyOrderDoesNotMatter(t *testing.T) {
	_, entries := buildChain(t, 2)
	entries[1].Payload = json.RawMessage(`{ "outcome": "ok", "detail": { "i": 1 } }`)
	if err := Verify(entries); err != nil {
		t.Fatalf("reordered equivalent payload should verify: %v", err)
	}
}

func TestAppendRejectsForeignEntries(t *testing.T) {
	c, _ := buildChain(t, 2)
	other, _ := buildChain(t, 1)
	stale := other.Entries()[0]
	if err := c.Append(stale); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out-of-order, got %v", err)
	}
	next, err := c.Next("bob", "proposal:1", "proposal.cancel", OutcomeDenied, time.Now(), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if c.Head().Seq != 2 {
		t.Fatal("Next must not advance the head")
	}
	next.Actor = "mallory"
	if err := c.Append(next); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected tampered, got %v", err)
	}
}

func TestResumeAndRetain(t *testing.T) {
	c, entries := buildChain(t, 3)
	resumed := ResumeChain(c.Head())
	e, err := resumed.Record("carol", "vault", "vault.emergency", OutcomeOK, time.Now(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := Verify(append(entries, e)); err != nil {
		t.Fatalf("resumed chain should extend the original: %v", err)
	}

	c.SetRetain(2)
	if got := len(c.Entries()); got != 2 {
		t.Fatalf("retain=%d", got)
	}
	clone := c.Clone()
	if _, err := clone.Record("x", "y", "z", OutcomeOK, time.Now(), nil); err != nil {
		t.Fatalf("record clone: %v", err)
	}
	if c.Head().Seq != 3 {
		t.Fatal("clone leaked into source")
	}
}
