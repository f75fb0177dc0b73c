package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	canon, err := CanonicalizeJSON(json.RawMessage(`{"z":1,"a":{"y":[3,2],"b":"x"},"m":true}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canon) != `{"a":{"b":"x","y":[3,2]},"m":true,"z":1}` {
		t.Fatalf("unexpected canonical form: %s", canon)
	}
}

func TestCanonicalizeJSONRejectsFloats(t *testing.T) {
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":1.1}`)); err == nil {
		t.Fatal("expected float rejection")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCanonicalJSONDeterministicDigest(t *testing.T) {
	check := ComplianceCheck{Sender: "a", Recipient: "b", Amount: 10, Status: VerdictApproved, EvaluatedAt: time.Unix(0, 0).UTC()}
	c1, err := CanonicalJSON(check)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	c2, err := CanonicalJSON(check.Clone())
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if Digest(c1, []byte("x")) != Digest(c2, []byte("x")) {
		t.Fatal("digest mismatch for equal payloads")
	}
	if Digest(c1, []byte("x")) == Digest(c1, []byte("y")) {
		t.Fatal("digest must depend on every part")
	}
}

func TestParseAndFormatAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0.5", 50_000_000, true},
		{"1", 100_000_000, true},
		{"0.00000001", 1, true},
		{"0.000000001", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, DefaultDecimals)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.in)
		}
		if got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.in, got, tc.want)
		}
	}
	if s := FormatAmount(50_000_000, DefaultDecimals); s != "0.50000000" {
		t.Fatalf("unexpected format %q", s)
	}
}

func TestProfileCompliance(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := ComplianceProfile{
		Subject:    "alice",
		KYC:        KYCRecord{Status: ScreeningApproved},
		AML:        AMLRecord{Status: ScreeningApproved},
		Sanctions:  SanctionsRecord{Status: SanctionsCleared},
		ValidUntil: now.Add(time.Hour),
	}
	if !p.IsCompliant(now) {
		t.Fatal("expected compliant profile")
	}
	if p.IsCompliant(now.Add(2 * time.Hour)) {
		t.Fatal("expired profile must not be compliant")
	}
	p.Sanctions.Status = SanctionsMatched
	if p.IsCompliant(now) || !p.Sanctioned() {
		t.Fatal("sanctioned profile must not be compliant")
	}
}

func TestProposalCloneIsDeep(t *testing.T) {
	p := &Proposal{Approvals: []Approval{{Approver: "a"}}, Inputs: []Outpoint{{TxID: "t"}}, Risk: &ComplianceCheck{Issues: []string{"i"}}}
	c := p.Clone()
	c.Approvals[0].Approver = "b"
	c.Inputs[0].TxID = "u"
	c.Risk.Issues[0] = "j"
	if p.Approvals[0].Approver != "a" || p.Inputs[0].TxID != "t" || p.Risk.Issues[0] != "i" {
		t.Fatal("clone shares memory with original")
	}
	if !p.HasApproved("a") || p.HasApproved("b") {
		t.Fatal("unexpected HasApproved result")
	}
}
