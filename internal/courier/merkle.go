// Package courier accepts pre-signed receipt batches from disconnected
// edge producers. A batch is admitted only if the Merkle root recomputed
// over the receipts' content hashes matches what the producer signed
// off on; each contained receipt is then ingested individually through
// the normal path, so a partially-retried batch converges by
// idempotency.
package courier

import (
	"sort"

	"github.com/evidentry/evidentry/internal/hashchain"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	// Left reports whether the sibling sits to the left of the running
	// hash when recombining.
	Left bool `json:"left"`
}

// Proof is the material an independent verifier needs to confirm batch
// membership: the leaf, its position, and the ordered sibling path.
type Proof struct {
	BatchID   string      `json:"batch_id"`
	ReceiptID string      `json:"receipt_id"`
	LeafHash  string      `json:"leaf_hash"`
	LeafIndex int         `json:"leaf_index"`
	Siblings  []ProofStep `json:"siblings"`
	Root      string      `json:"merkle_root"`
}

// ComputeRoot sorts leaf hashes and folds them into the batch root.
// Producers use it to stamp a batch before shipping.
func ComputeRoot(leaves []string) string {
	sorted := append([]string(nil), leaves...)
	sort.Strings(sorted)
	return merkleRoot(sorted)
}

// sortLeaves orders leaves deterministically before pairing, carrying
// the parallel ids slice along so positions stay addressable.
func sortLeaves(leaves, ids []string) ([]string, []string) {
	idx := make([]int, len(leaves))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return leaves[idx[a]] < leaves[idx[b]] })

	outLeaves := make([]string, len(leaves))
	outIDs := make([]string, len(ids))
	for i, j := range idx {
		outLeaves[i] = leaves[j]
		outIDs[i] = ids[j]
	}
	return outLeaves, outIDs
}

// merkleRoot folds sorted leaves pairwise into a single root. An
// unpaired last node is promoted to the next level unchanged. An empty
// leaf set yields the chain root sentinel.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return hashchain.RootHash
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// merkleProof returns the sibling path for the leaf at index in the
// sorted leaf list.
func merkleProof(leaves []string, index int) []ProofStep {
	var path []ProofStep
	level := append([]string(nil), leaves...)
	pos := index
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			if i == pos {
				path = append(path, ProofStep{Hash: level[i+1], Left: false})
			} else if i+1 == pos {
				path = append(path, ProofStep{Hash: level[i], Left: true})
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		pos /= 2
		level = next
	}
	return path
}

// VerifyProof recomputes the root from a leaf hash and its sibling
// path. Altering the leaf or any sibling changes the result.
func VerifyProof(leafHash string, path []ProofStep) string {
	h := leafHash
	for _, step := range path {
		if step.Left {
			h = combine(step.Hash, h)
		} else {
			h = combine(h, step.Hash)
		}
	}
	return h
}

func combine(left, right string) string {
	return hashchain.Sum([]byte(left + right))
}
