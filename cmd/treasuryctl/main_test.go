package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"treasury/pkg/auth"
	"treasury/pkg/signer"
)

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil || err.Error() != "command required" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "treasuryctl commands") {
		t.Fatalf("usage not printed: %q", out.String())
	}
	if err := run([]string{"bogus"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenKeyAndSignCallback(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signer.key")
	pubPath := filepath.Join(dir, "signer.pub")
	var out bytes.Buffer
	if err := run([]string{"gen-key", "--out-private", privPath, "--out-public", pubPath}, &out); err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	pubRaw, _ := os.ReadFile(pubPath)
	pub, err := base64.StdEncoding.DecodeString(string(pubRaw))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		t.Fatalf("public key: %v len=%d", err, len(pub))
	}

	res := signer.Result{RequestID: "req-1", VaultID: "v1", ProposalID: 3, Success: true, Signature: "3045"}
	raw, _ := json.Marshal(res)
	resPath := filepath.Join(dir, "result.json")
	if err := os.WriteFile(resPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run([]string{"sign-callback", "--result", resPath, "--private", privPath}, &out); err != nil {
		t.Fatalf("sign-callback: %v", err)
	}
	ks := auth.StaticKeyStore{"k1": {Kid: "k1", PublicKey: pub, Status: "active"}}
	if err := auth.VerifyCallback(context.Background(), ks, "k1", strings.TrimSpace(out.String()), res); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := run([]string{"sign-callback", "--result", resPath}, &out); err == nil {
		t.Fatalf("expected missing private key error")
	}
	bad := filepath.Join(dir, "bad.key")
	_ = os.WriteFile(bad, []byte(base64.StdEncoding.EncodeToString([]byte("short"))), 0o600)
	if err := run([]string{"sign-callback", "--result", resPath, "--private", bad}, &out); err == nil || !strings.Contains(err.Error(), "invalid size") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	const secret = "ctl-secret-ctl-secret-ctl-secret-ctl"
	var out bytes.Buffer
	if err := run([]string{"issue-token", "--subject", "alice", "--roles", "operator, admin", "--secret", secret}, &out); err != nil {
		t.Fatalf("issue-token: %v", err)
	}
	v, err := auth.NewVerifier("hs256", secret)
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(context.Background(), strings.TrimSpace(out.String()))
	if err != nil || p.Subject != "alice" || !auth.HasAnyRole(p, auth.RoleAdmin) {
		t.Fatalf("verify: %+v %v", p, err)
	}
	if err := run([]string{"issue-token"}, &out); err == nil {
		t.Fatalf("expected subject error")
	}
}

type seen struct {
	method, path, caller, auth string
	body                       map[string]any
}

func fakeServer(t *testing.T, status int, reply string) func() []seen {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, caller: r.Header.Get(auth.CallerHeader), auth: r.Header.Get("Authorization")}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &s.body)
		}
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("TREASURY_URL", srv.URL)
	t.Setenv("TREASURY_TOKEN", "tok")
	t.Setenv("TREASURY_CALLER", "alice")
	return func() []seen {
		mu.Lock()
		defer mu.Unlock()
		return append([]seen(nil), calls...)
	}
}

func TestProposalCommandsHitRoutes(t *testing.T) {
	calls := fakeServer(t, http.StatusOK, `{"id":1,"status":"PENDING_APPROVAL"}`)
	var out bytes.Buffer
	cmds := [][]string{
		{"proposal", "propose", "--vault", "v1", "--amount", "1.25", "--recipient", "bc1qr", "--purpose", "rent", "--urgency", "2"},
		{"proposal", "approve", "--vault", "v1", "--id", "1"},
		{"proposal", "timelock", "--vault", "v1", "--id", "1"},
		{"proposal", "execute", "--vault", "v1", "--id", "1"},
		{"proposal", "cancel", "--vault", "v1", "--id", "1", "--reason", "dup"},
		{"proposal", "show", "--vault", "v1", "--id", "1"},
		{"emergency", "declare", "--vault", "v1", "--reason", "incident"},
		{"emergency", "resolve", "--vault", "v1"},
		{"vault", "show", "--vault", "v1"},
	}
	for _, c := range cmds {
		if err := run(c, &out); err != nil {
			t.Fatalf("%v: %v", c, err)
		}
	}
	want := []string{
		"POST /v1/vaults/v1/proposals",
		"POST /v1/vaults/v1/proposals/1/approve",
		"POST /v1/vaults/v1/proposals/1/timelock",
		"POST /v1/vaults/v1/proposals/1/execute",
		"POST /v1/vaults/v1/proposals/1/cancel",
		"GET /v1/vaults/v1/proposals/1",
		"POST /v1/vaults/v1/emergency",
		"DELETE /v1/vaults/v1/emergency",
		"GET /v1/vaults/v1",
	}
	got := calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %d, want %d", len(got), len(want))
	}
	for i, c := range got {
		if route := c.method + " " + c.path; route != want[i] {
			t.Fatalf("call %d = %s, want %s", i, route, want[i])
		}
		if c.caller != "alice" || c.auth != "Bearer tok" {
			t.Fatalf("call %d headers: caller=%q auth=%q", i, c.caller, c.auth)
		}
	}
	if got[0].body["amount_decimal"] != "1.25" || got[4].body["reason"] != "dup" {
		t.Fatalf("bodies: %+v / %+v", got[0].body, got[4].body)
	}
	if !strings.Contains(out.String(), `"status": "PENDING_APPROVAL"`) {
		t.Fatalf("output not pretty printed: %s", out.String())
	}
}

func TestServerErrorsCarryCode(t *testing.T) {
	fakeServer(t, http.StatusUnprocessableEntity, `{"error":"insufficient funds","code":"insufficient_funds"}`)
	err := run([]string{"proposal", "propose", "--vault", "v1", "--amount", "9", "--recipient", "r"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "insufficient_funds") {
		t.Fatalf("expected coded error, got %v", err)
	}
}

func TestArgumentValidation(t *testing.T) {
	fakeServer(t, http.StatusOK, `{}`)
	cases := [][]string{
		{"proposal"},
		{"proposal", "approve", "--id", "1"},
		{"proposal", "approve", "--vault", "v1"},
		{"proposal", "propose", "--vault", "v1", "--amount", "1.123456789", "--recipient", "r"},
		{"proposal", "frobnicate", "--vault", "v1", "--id", "1"},
		{"emergency", "declare"},
		{"vault", "create"},
		{"vault", "nope"},
	}
	for _, c := range cases {
		if err := run(c, io.Discard); err == nil {
			t.Fatalf("%v: expected error", c)
		}
	}
}

func TestVaultCreateReadsFile(t *testing.T) {
	calls := fakeServer(t, http.StatusCreated, `{"id":"v1"}`)
	path := filepath.Join(t.TempDir(), "vault.json")
	_ = os.WriteFile(path, []byte(`{"custody_address":"bc1q","governance":{"members":["alice"],"max_threshold":1}}`), 0o600)
	if err := run([]string{"vault", "create", "--file", path}, io.Discard); err != nil {
		t.Fatalf("vault create: %v", err)
	}
	if got := calls()[0]; got.method != http.MethodPost || got.path != "/v1/vaults" || got.body["custody_address"] != "bc1q" {
		t.Fatalf("unexpected call: %+v", got)
	}
}
