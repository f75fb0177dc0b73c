package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyRecord is a public key the MPC signer signs its callbacks with.
type KeyRecord struct {
	Kid       string
	Source    string
	PublicKey []byte
	Status    string // active|revoked
}

type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}

// StaticKeyStore serves keys configured at startup.
type StaticKeyStore map[string]*KeyRecord

// ParseStaticKeys reads "kid=base64pub,kid2=base64pub".
func ParseStaticKeys(raw string) (StaticKeyStore, error) {
	out := StaticKeyStore{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kid, enc, ok := strings.Cut(item, "=")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" {
			return nil, fmt.Errorf("signer key %q: want kid=base64", item)
		}
		pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
		if err != nil {
			return nil, fmt.Errorf("signer key %s: %w", kid, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signer key %s: want %d bytes, got %d", kid, ed25519.PublicKeySize, len(pub))
		}
		out[kid] = &KeyRecord{Kid: kid, Source: "static", PublicKey: pub, Status: "active"}
	}
	return out, nil
}

func (s StaticKeyStore) GetKey(_ context.Context, kid string) (*KeyRecord, error) {
	rec, ok := s[strings.TrimSpace(kid)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrUnknownKey, kid)
	}
	return rec, nil
}
