// Package signer describes the payments handed to the external MPC signer
// and the client that submits them.
package signer

import (
	"context"
	"errors"
	"time"

	"treasury/pkg/models"
)

var ErrSignerRejected = errors.New("signer rejected request")

// Descriptor is the asset-agnostic description of one authorized payment.
type Descriptor struct {
	VaultID        string            `json:"vault_id"`
	ProposalID     uint64            `json:"proposal_id"`
	CustodyAddress string            `json:"custody_address"`
	Recipient      string            `json:"recipient"`
	Amount         int64             `json:"amount"`
	Fee            int64             `json:"fee"`
	FeeRate        int64             `json:"fee_rate"`
	Change         int64             `json:"change"`
	Inputs         []models.Outpoint `json:"inputs"`
	Purpose        string            `json:"purpose"`
}

// Digest is the sha256 of the canonical descriptor; the signer signs exactly this.
func (d Descriptor) Digest() (string, error) {
	canon, err := models.CanonicalJSON(d)
	if err != nil {
		return "", err
	}
	return models.Digest(canon), nil
}

type Request struct {
	RequestID   string     `json:"request_id"`
	Descriptor  Descriptor `json:"descriptor"`
	Digest      string     `json:"digest"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Result is delivered asynchronously once the signer finished.
type Result struct {
	RequestID  string `json:"request_id"`
	VaultID    string `json:"vault_id"`
	ProposalID uint64 `json:"proposal_id"`
	Success    bool   `json:"success"`
	Signature  string `json:"signature,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Signer accepts a request for asynchronous signing. A returned error means
// the request was not accepted.
type Signer interface {
	Request(ctx context.Context, req Request) error
}

type Func func(ctx context.Context, req Request) error

func (f Func) Request(ctx context.Context, req Request) error {
	return f(ctx, req)
}
