package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"treasury/pkg/models"
)

var (
	ErrTampered   = errors.New("audit chain tampered")
	ErrOutOfOrder = errors.New("audit entry does not extend chain head")
)

// Genesis is the prev_hash of the first entry of every stream.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcomes recorded in entry payloads.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeFailed = "failed"
)

const defaultRetain = 1000

// Head identifies the last entry of a stream.
type Head struct {
	Stream string `json:"stream"`
	Seq    uint64 `json:"seq"`
	Hash   string `json:"hash"`
}

// Chain is an append-only, hash-linked audit stream. It is not safe for
// concurrent use; callers hold the lock of whatever the stream describes.
type Chain struct {
	head    Head
	entries []models.AuditEntry
	retain  int
}

func NewChain(stream string) *Chain {
	return &Chain{head: Head{Stream: stream, Hash: Genesis}, retain: defaultRetain}
}

// ResumeChain continues a stream from a persisted head. Earlier entries live in storage.
func ResumeChain(head Head) *Chain {
	if head.Hash == "" {
		head.Hash = Genesis
	}
	return &Chain{head: head, retain: defaultRetain}
}

// SetRetain bounds how many recent entries stay in memory. Zero keeps the default.
func (c *Chain) SetRetain(n int) {
	if n <= 0 {
		n = defaultRetain
	}
	c.retain = n
	c.trim()
}

func (c *Chain) Head() Head {
	return c.head
}

// Next builds the entry that would follow the current head without appending it.
func (c *Chain) Next(actor, subject, event, outcome string, at time.Time, detail any) (models.AuditEntry, error) {
	payload, err := models.CanonicalJSON(map[string]any{"outcome": outcome, "detail": detail})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit payload: %w", err)
	}
	e := models.AuditEntry{
		Seq:      c.head.Seq + 1,
		Stream:   c.head.Stream,
		Actor:    actor,
		Subject:  subject,
		Event:    event,
		At:       at.UTC().Truncate(time.Microsecond),
		Payload:  payload,
		PrevHash: c.head.Hash,
	}
	e.Digest, err = ComputeDigest(e)
	if err != nil {
		return models.AuditEntry{}, err
	}
	return e, nil
}

// Append links e onto the chain after checking it extends the head.
func (c *Chain) Append(e models.AuditEntry) error {
	if e.Seq != c.head.Seq+1 || e.PrevHash != c.head.Hash {
		return fmt.Errorf("%w: seq %d prev %s", ErrOutOfOrder, e.Seq, e.PrevHash)
	}
	want, err := ComputeDigest(e)
	if err != nil {
		return err
	}
	if want != e.Digest {
		return fmt.Errorf("%w: digest mismatch at seq %d", ErrTampered, e.Seq)
	}
	c.entries = append(c.entries, e)
	c.head.Seq = e.Seq
	c.head.Hash = e.Digest
	c.trim()
	return nil
}

// Record is Next followed by Append.
func (c *Chain) Record(actor, subject, event, outcome string, at time.Time, detail any) (models.AuditEntry, error) {
	e, err := c.Next(actor, subject, event, outcome, at, detail)
	if err != nil {
		return models.AuditEntry{}, err
	}
	if err := c.Append(e); err != nil {
		return models.AuditEntry{}, err
	}
	return e, nil
}

// Entries returns the retained entries, oldest first.
func (c *Chain) Entries() []models.AuditEntry {
	return append([]models.AuditEntry(nil), c.entries...)
}

func (c *Chain) Clone() *Chain {
	return &Chain{head: c.head, entries: c.Entries(), retain: c.retain}
}

func (c *Chain) trim() {
	if over := len(c.entries) - c.retain; over > 0 {
		c.entries = append([]models.AuditEntry(nil), c.entries[over:]...)
	}
}

// ComputeDigest hashes prev_hash | seq | canonical(payload) | actor | subject | event | at.
func ComputeDigest(e models.AuditEntry) (string, error) {
	payload := []byte("null")
	if len(e.Payload) > 0 {
		canon, err := models.CanonicalizeJSON(json.RawMessage(e.Payload))
		if err != nil {
			return "", fmt.Errorf("audit payload: %w", err)
		}
		payload = canon
	}
	return models.Digest(
		[]byte(e.PrevHash),
		[]byte(strconv.FormatUint(e.Seq, 10)),
		payload,
		[]byte(e.Actor),
		[]byte(e.Subject),
		[]byte(e.Event),
		[]byte(e.At.UTC().Format(time.RFC3339Nano)),
	), nil
}

// Verify checks digests and links of a contiguous run of entries. The first
// entry is trusted to link to whatever precedes it unless it claims seq 1.
func Verify(entries []models.AuditEntry) error {
	for i, e := range entries {
		want, err := ComputeDigest(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrTampered, i, err)
		}
		if want != e.Digest {
			return fmt.Errorf("%w: digest mismatch at seq %d", ErrTampered, e.Seq)
		}
		if i == 0 {
			if e.Seq == 1 && e.PrevHash != Genesis {
				return fmt.Errorf("%w: first entry does not start at genesis", ErrTampered)
			}
			continue
		}
		prev := entries[i-1]
		if e.Seq != prev.Seq+1 || e.PrevHash != prev.Digest || e.Stream != prev.Stream {
			return fmt.Errorf("%w: broken link at seq %d", ErrTampered, e.Seq)
		}
	}
	return nil
}

// Outcome extracts the outcome recorded in an entry payload.
func Outcome(e models.AuditEntry) string {
	var p struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Outcome
}
