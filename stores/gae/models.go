//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
)

// SecretEntity is the Datastore entity for ephemeral secrets.
// Key format: Kind + ":" + Identifier
type SecretEntity struct {
	Key        *datastore.Key `datastore:"__key__"`
	Kind       string         `datastore:"kind"`
	Identifier string         `datastore:"identifier"`
	SecretHash string         `datastore:"secret_hash,noindex"`
	IssuedAt   time.Time      `datastore:"issued_at"`
	ExpiresAt  time.Time      `datastore:"expires_at"`
	Consumed   bool           `datastore:"consumed"`
	Attempts   int            `datastore:"attempts,noindex"`
}

// SecretIssueEntity records one issuance for the per-identifier rate window.
type SecretIssueEntity struct {
	Key      *datastore.Key `datastore:"__key__"`
	Bucket   string         `datastore:"bucket"`
	IssuedAt time.Time      `datastore:"issued_at"`
}

// FlowStateEntity is the Datastore entity for live sign-in attempts.
// Keyed by the state nonce.
type FlowStateEntity struct {
	Key        *datastore.Key `datastore:"__key__"`
	ID         string         `datastore:"id,noindex"`
	Verifier   string         `datastore:"verifier,noindex"`
	Provider   string         `datastore:"provider,noindex"`
	RedirectTo string         `datastore:"redirect_to,noindex"`
	CreatedAt  time.Time      `datastore:"created_at"`
	ExpiresAt  time.Time      `datastore:"expires_at"`
}
