package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Keyring is an in-process Ed25519 Verifier with an optional signing
// identity. It implements both Verifier and Signer.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]ed25519.PublicKey
	signer ed25519.PrivateKey
	keyID  string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// AddKey registers a verification key under keyID. Hex-encoded 32-byte
// Ed25519 public keys are accepted.
func (k *Keyring) AddKey(keyID, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode public key %s: %w", keyID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key %s: expected %d bytes, got %d", keyID, ed25519.PublicKeySize, len(raw))
	}
	k.mu.Lock()
	k.keys[keyID] = ed25519.PublicKey(raw)
	k.mu.Unlock()
	return nil
}

// SetSigner configures the keyring's own signing identity and registers
// the matching verification key.
func (k *Keyring) SetSigner(keyID string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	k.signer = priv
	k.keyID = keyID
	k.keys[keyID] = priv.Public().(ed25519.PublicKey)
	k.mu.Unlock()
}

// GenerateSigner creates a fresh Ed25519 signing identity under keyID.
// Useful for tests and for the ledger's own meta-audit signer when no
// key material is configured.
func (k *Keyring) GenerateSigner(keyID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	k.SetSigner(keyID, priv)
	return nil
}

// Verify implements Verifier.
func (k *Keyring) Verify(_ context.Context, keyID string, data, sig []byte) error {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// KeyID implements Signer.
func (k *Keyring) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keyID
}

// Sign implements Signer.
func (k *Keyring) Sign(_ context.Context, data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.signer == nil {
		return nil, fmt.Errorf("keyring has no signing identity")
	}
	return ed25519.Sign(k.signer, data), nil
}
