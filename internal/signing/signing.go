// Package signing defines the detached-signature capability the ledger
// depends on. Concrete providers (a key-management service client in
// production) live outside the core; the Ed25519 keyring here serves
// single-process deployments and tests.
package signing

import (
	"context"
	"errors"
)

// ErrUnknownKey is returned when no verification key matches the
// recorded signer key id.
var ErrUnknownKey = errors.New("unknown signer key id")

// ErrBadSignature is returned when a signature does not verify against
// the canonical bytes.
var ErrBadSignature = errors.New("signature verification failed")

// Verifier checks a detached signature over canonical bytes. keyID
// selects the verification key recorded on the receipt.
type Verifier interface {
	Verify(ctx context.Context, keyID string, data, sig []byte) error
}

// Signer produces a detached signature over canonical bytes. KeyID
// reports the key id verifiers should use; records embed it in the
// signed content, so it must be known before signing. The ledger signs
// with this when it emits its own meta-audit receipts.
type Signer interface {
	KeyID() string
	Sign(ctx context.Context, data []byte) ([]byte, error)
}
