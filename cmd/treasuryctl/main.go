package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"treasury/pkg/auth"
	"treasury/pkg/httpx"
	"treasury/pkg/models"
	"treasury/pkg/signer"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-callback":
		return signCallback(args[1:], out)
	case "issue-token":
		return issueToken(args[1:], out)
	case "vault":
		return vaultCmd(args[1:], out)
	case "proposal":
		return proposalCmd(args[1:], out)
	case "emergency":
		return emergencyCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "treasuryctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private signer.key --out-public signer.pub")
	fmt.Fprintln(out, "  sign-callback --result result.json --private signer.key")
	fmt.Fprintln(out, "  issue-token --subject alice --roles operator --ttl 1h")
	fmt.Fprintln(out, "  vault create --file vault.json | vault show --vault <id>")
	fmt.Fprintln(out, "  proposal propose --vault <id> --amount 1.5 --recipient <addr> --purpose <text> [--urgency n]")
	fmt.Fprintln(out, "  proposal approve|execute|timelock|show|cancel --vault <id> --id <n> [--reason text]")
	fmt.Fprintln(out, "  emergency declare --vault <id> --reason <text> | emergency resolve --vault <id>")
	fmt.Fprintln(out, "HTTP commands read TREASURY_URL, TREASURY_TOKEN and TREASURY_CALLER.")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "signer.key", "private key output")
	outPub := fs.String("out-public", "signer.pub", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

// signCallback prints the signature header value the signer must attach to
// a result callback.
func signCallback(args []string, out io.Writer) error {
	fs := newFlagSet("sign-callback")
	resultPath := fs.String("result", "", "signer result json path")
	privatePath := fs.String("private", "", "base64 private key path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resultPath == "" || *privatePath == "" {
		return errors.New("result and private required")
	}
	raw, err := os.ReadFile(*resultPath)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	var res signer.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	pkRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pkRaw)))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
	}
	sig, err := auth.SignCallback(ed25519.PrivateKey(privBytes), res)
	if err != nil {
		return fmt.Errorf("sign callback: %w", err)
	}
	fmt.Fprintln(out, sig)
	return nil
}

func issueToken(args []string, out io.Writer) error {
	fs := newFlagSet("issue-token")
	subject := fs.String("subject", "", "token subject")
	roles := fs.String("roles", auth.RoleOperator, "comma-separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("subject required")
	}
	var rs []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rs = append(rs, r)
		}
	}
	tok, err := auth.IssueHS256(*secret, *subject, rs, *ttl, time.Now())
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}

type client struct {
	baseURL string
	token   string
	caller  string
}

func clientFromEnv() client {
	base := strings.TrimRight(os.Getenv("TREASURY_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return client{baseURL: base, token: os.Getenv("TREASURY_TOKEN"), caller: os.Getenv("TREASURY_CALLER")}
}

// call sends one request and pretty-prints the JSON reply. Non-2xx replies
// become errors carrying the server's reason code.
func (c client) call(method, path string, body any, out io.Writer) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	if c.caller != "" {
		headers[auth.CallerHeader] = c.caller
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, httpClient, method, c.baseURL+path, raw, headers, 0, 0)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(resp, &e) == nil && e.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, status, e.Code, e.Error)
		}
		return fmt.Errorf("%s %s: %d: %s", method, path, status, strings.TrimSpace(string(resp)))
	}
	var pretty any
	if json.Unmarshal(resp, &pretty) != nil {
		_, err = out.Write(resp)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func vaultCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("vault subcommand required")
	}
	fs := newFlagSet("vault " + args[0])
	vault := fs.String("vault", "", "vault id")
	file := fs.String("file", "", "vault definition json")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := clientFromEnv()
	switch args[0] {
	case "create":
		if *file == "" {
			return errors.New("file required")
		}
		raw, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read vault definition: %w", err)
		}
		var def map[string]any
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("decode vault definition: %w", err)
		}
		return c.call(http.MethodPost, "/v1/vaults", def, out)
	case "show":
		if *vault == "" {
			return errors.New("vault required")
		}
		return c.call(http.MethodGet, "/v1/vaults/"+*vault, nil, out)
	default:
		return fmt.Errorf("unknown vault subcommand: %s", args[0])
	}
}

func proposalCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("proposal subcommand required")
	}
	fs := newFlagSet("proposal " + args[0])
	vault := fs.String("vault", "", "vault id")
	id := fs.Uint64("id", 0, "proposal id")
	amount := fs.String("amount", "", "amount in whole units")
	recipient := fs.String("recipient", "", "recipient address")
	purpose := fs.String("purpose", "", "payment purpose")
	urgency := fs.Int("urgency", 0, "urgency 0..10")
	reason := fs.String("reason", "", "cancel reason")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *vault == "" {
		return errors.New("vault required")
	}
	c := clientFromEnv()
	base := "/v1/vaults/" + *vault + "/proposals"
	if args[0] == "propose" {
		if *amount == "" || *recipient == "" {
			return errors.New("amount and recipient required")
		}
		if _, err := models.ParseAmount(*amount, models.DefaultDecimals); err != nil {
			return err
		}
		return c.call(http.MethodPost, base, map[string]any{
			"amount_decimal": *amount,
			"recipient":      *recipient,
			"purpose":        *purpose,
			"urgency":        *urgency,
		}, out)
	}
	if *id == 0 {
		return errors.New("id required")
	}
	path := fmt.Sprintf("%s/%d", base, *id)
	switch args[0] {
	case "show":
		return c.call(http.MethodGet, path, nil, out)
	case "approve", "execute", "timelock", "reevaluate":
		return c.call(http.MethodPost, path+"/"+args[0], nil, out)
	case "cancel":
		return c.call(http.MethodPost, path+"/cancel", map[string]string{"reason": *reason}, out)
	default:
		return fmt.Errorf("unknown proposal subcommand: %s", args[0])
	}
}

func emergencyCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("emergency subcommand required")
	}
	fs := newFlagSet("emergency " + args[0])
	vault := fs.String("vault", "", "vault id")
	reason := fs.String("reason", "", "declaration reason")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *vault == "" {
		return errors.New("vault required")
	}
	c := clientFromEnv()
	path := "/v1/vaults/" + *vault + "/emergency"
	switch args[0] {
	case "declare":
		return c.call(http.MethodPost, path, map[string]string{"reason": *reason}, out)
	case "resolve":
		return c.call(http.MethodDelete, path, nil, out)
	case "show":
		return c.call(http.MethodGet, path, nil, out)
	default:
		return fmt.Errorf("unknown emergency subcommand: %s", args[0])
	}
}
