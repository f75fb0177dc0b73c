package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VaultTransitKeyStore resolves signer Ed25519 public keys from Vault Transit.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

var errNotFound = errors.New("not found")

func (s VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	transit := strings.Trim(s.Transit, "/")
	if transit == "" {
		transit = "transit"
	}
	keyName := s.KeyPrefix + kid
	endpoint := addr + "/v1/" + transit + "/keys/" + url.PathEscape(keyName)

	var lastErr error
	for attempt := 0; attempt <= max(s.MaxRetries, 0); attempt++ {
		if attempt > 0 && s.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.RetryDelay):
			}
		}
		body, err := s.fetch(ctx, endpoint)
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: kid %q not found in vault transit", ErrUnknownKey, kid)
		}
		if err != nil {
			lastErr = err
			continue
		}
		pub, err := parseVaultTransitPublicKey(body)
		if err != nil {
			return nil, err
		}
		return &KeyRecord{Kid: kid, Source: "vault-transit:" + keyName, PublicKey: pub, Status: "active"}, nil
	}
	return nil, fmt.Errorf("vault transit lookup failed: %w", lastErr)
}

func (s VaultTransitKeyStore) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vault transit status=%d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok || strings.TrimSpace(item.PublicKey) == "" {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if _, rest, ok := strings.Cut(pub, ":"); ok {
		pub = strings.TrimSpace(rest)
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
