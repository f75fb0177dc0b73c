package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"treasury/pkg/models"
	"treasury/pkg/signer"
)

const (
	SignatureHeader = "X-Signer-Signature"
	KeyIDHeader     = "X-Signer-Key-Id"
)

var (
	ErrUnknownKey       = errors.New("unknown signer key")
	ErrRevokedKey       = errors.New("signer key revoked")
	ErrInvalidSignature = errors.New("invalid callback signature")
)

// CallbackPayload is the canonical form of a signer result that the signer signs.
func CallbackPayload(res signer.Result) ([]byte, error) {
	canon, err := models.CanonicalJSON(res)
	if err != nil {
		return nil, fmt.Errorf("canonicalize callback: %w", err)
	}
	return canon, nil
}

func SignCallback(priv ed25519.PrivateKey, res signer.Result) (string, error) {
	payload, err := CallbackPayload(res)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)), nil
}

// VerifyCallback checks sig over res with the key kid resolves to.
func VerifyCallback(ctx context.Context, ks KeyStore, kid, sig string, res signer.Result) error {
	rec, err := ks.GetKey(ctx, kid)
	if err != nil {
		return err
	}
	if rec.Status != "" && rec.Status != "active" {
		return fmt.Errorf("%w: %s", ErrRevokedKey, kid)
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed key %s", ErrInvalidSignature, kid)
	}
	payload, err := CallbackPayload(res)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(rec.PublicKey), payload, sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}
