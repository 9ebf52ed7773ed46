// Package hashchain computes per-record hashes and links each receipt
// to its predecessor within a chain scope.
//
// The first record of every chain links to RootHash (64 hex zeros),
// the same well-known sentinel style used for a genesis entry in a
// single-chain ledger. Appends into one chain are serialized by a
// per-chain lock; chains never contend with each other.
package hashchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// RootHash is the prev_hash sentinel of the first record in a chain.
const RootHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sum returns the hex-encoded SHA-256 digest of canonical bytes.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Head is the tip of one chain: the last accepted sequence number and
// its hash.
type Head struct {
	SequenceNo int64
	Hash       string
}

// HeadSource looks up the current tip of a chain. A nil head means the
// chain has no records yet. The store satisfies this.
type HeadSource interface {
	ChainHead(ctx context.Context, chainID string) (*Head, error)
}

// Engine assigns sequence numbers and predecessor hashes. The caller
// must hold the chain's lock (LockChain) across Link and the subsequent
// store append; a race there would let two records claim the same
// sequence number.
type Engine struct {
	source HeadSource
	locks  sync.Map // chainID -> *sync.Mutex
}

// New creates an Engine reading chain tips from source.
func New(source HeadSource) *Engine {
	return &Engine{source: source}
}

// LockChain acquires the per-chain append lock and returns its release
// function. Distinct chains proceed fully in parallel.
func (e *Engine) LockChain(chainID string) func() {
	v, _ := e.locks.LoadOrStore(chainID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Link returns the sequence number and prev_hash for the next record of
// chainID: (1, RootHash) for an empty chain, otherwise the successor of
// the current head.
func (e *Engine) Link(ctx context.Context, chainID string) (int64, string, error) {
	head, err := e.source.ChainHead(ctx, chainID)
	if err != nil {
		return 0, "", err
	}
	if head == nil {
		return 1, RootHash, nil
	}
	return head.SequenceNo + 1, head.Hash, nil
}
