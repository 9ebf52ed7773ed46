package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// batchStore persists courier batch metadata. Both *store.Memory and
// *store.Postgres satisfy it.
type batchStore interface {
	SaveBatch(ctx context.Context, b *receipt.CourierBatch) error
	GetBatch(ctx context.Context, batchID string) (*receipt.CourierBatch, error)
}

// BatchRequest is a pre-signed batch from a disconnected producer.
type BatchRequest struct {
	BatchID    string            `json:"batch_id"`
	ProducerID string            `json:"producer_id"`
	MerkleRoot string            `json:"merkle_root"`
	BatchTime  time.Time         `json:"batch_time"`
	Receipts   []json.RawMessage `json:"receipts"`
}

// ReceiptStatus is the per-receipt outcome of a batch ingestion.
type ReceiptStatus struct {
	ReceiptID  string            `json:"receipt_id"`
	Accepted   bool              `json:"accepted"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	SequenceNo int64             `json:"sequence_no,omitempty"`
	ErrorCode  receipt.ErrorCode `json:"error_code,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// BatchResult reports a batch ingestion: the recomputed root and the
// acceptance status of every contained receipt.
type BatchResult struct {
	BatchID    string          `json:"batch_id"`
	MerkleRoot string          `json:"merkle_root"`
	Statuses   []ReceiptStatus `json:"receipts"`
}

// Service validates and ingests courier batches and serves Merkle
// proofs for their receipts.
type Service struct {
	store    batchStore
	ingester *ingest.Service
	guard    *audit.Guard
	logger   *zap.Logger
}

// New creates a courier Service. Proof reads go through guard the same
// way query reads do.
func New(st batchStore, ingester *ingest.Service, guard *audit.Guard, logger *zap.Logger) *Service {
	return &Service{store: st, ingester: ingester, guard: guard, logger: logger}
}

// IngestBatch recomputes the Merkle root over the batch's receipt
// content hashes and rejects the whole batch on a mismatch, storing
// nothing. On a match every receipt is routed through the normal
// ingestion path and deduplicated by receipt_id.
func (s *Service) IngestBatch(ctx context.Context, caller ingest.Caller, req *BatchRequest) (*BatchResult, error) {
	if req.BatchID == "" || req.ProducerID == "" || req.MerkleRoot == "" {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "batch_id, producer_id, and merkle_root are required")
	}
	if len(req.Receipts) == 0 {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "batch contains no receipts")
	}

	records := make([]*receipt.Receipt, len(req.Receipts))
	leaves := make([]string, len(req.Receipts))
	ids := make([]string, len(req.Receipts))
	for i, raw := range req.Receipts {
		rec, err := decodeReceipt(raw)
		if err != nil {
			return nil, receipt.NewError(receipt.ErrCodeValidation, "receipt %d: %v", i, err)
		}
		content, err := canonical.EncodeContent(rec)
		if err != nil {
			return nil, receipt.NewError(receipt.ErrCodeValidation, "receipt %d: %v", i, err)
		}
		records[i] = rec
		leaves[i] = hashchain.Sum(content)
		ids[i] = rec.ReceiptID
	}

	sortedLeaves, sortedIDs := sortLeaves(leaves, ids)
	root := merkleRoot(sortedLeaves)
	if root != req.MerkleRoot {
		s.logger.Warn("courier batch rejected: merkle root mismatch",
			zap.String("batch_id", req.BatchID),
			zap.String("claimed", req.MerkleRoot),
			zap.String("computed", root),
		)
		return nil, receipt.NewError(receipt.ErrCodeMerkleRootMismatch,
			"computed root %s does not match claimed root %s", root, req.MerkleRoot)
	}

	// The batch belongs to the tenant its records name, falling back to
	// the caller's own tenant. Settling this before ingestion keeps the
	// attribution stable even when every receipt is rejected.
	tenantID := caller.TenantID
	for _, rec := range records {
		if rec.TenantID != "" {
			tenantID = rec.TenantID
			break
		}
	}

	result := &BatchResult{BatchID: req.BatchID, MerkleRoot: root}
	var sequenceNumbers []int64
	for _, rec := range records {
		status := ReceiptStatus{ReceiptID: rec.ReceiptID}
		stored, duplicate, err := s.ingester.IngestRecord(ctx, caller, rec)
		if err != nil {
			if ie, ok := receipt.AsIngestError(err); ok {
				status.ErrorCode = ie.Code
				status.Message = ie.Message
			} else {
				status.ErrorCode = receipt.ErrCodeStoreUnavailable
				status.Message = err.Error()
			}
		} else {
			status.Accepted = true
			status.Duplicate = duplicate
			status.SequenceNo = stored.SequenceNo
			sequenceNumbers = append(sequenceNumbers, stored.SequenceNo)
		}
		result.Statuses = append(result.Statuses, status)
	}

	batch := &receipt.CourierBatch{
		BatchID:         req.BatchID,
		TenantID:        tenantID,
		ProducerID:      req.ProducerID,
		MerkleRoot:      root,
		SequenceNumbers: sequenceNumbers,
		LeafHashes:      sortedLeaves,
		ReceiptIDs:      sortedIDs,
		BatchTime:       req.BatchTime,
	}
	if err := s.store.SaveBatch(ctx, batch); err != nil {
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "save batch: %v", err)
	}

	s.logger.Info("courier batch ingested",
		zap.String("batch_id", req.BatchID),
		zap.Int("receipts", len(records)),
		zap.String("merkle_root", root),
	)
	return result, nil
}

// GetMerkleProof returns the sibling-hash path proving that receiptID
// was part of the batch the producer signed. The read is authorized and
// meta-audited like any other read.
func (s *Service) GetMerkleProof(ctx context.Context, caller audit.Caller, scope store.Scope, batchID, receiptID string) (*Proof, error) {
	done, err := s.guard.Authorize(ctx, caller, scope, "batch_proof", "batch_id,receipt_id")
	if err != nil {
		return nil, err
	}

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, receipt.NewError(receipt.ErrCodeNotFound, "batch %s not found", batchID)
		}
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	// A batch outside the authorized scope must look missing, not
	// forbidden; existence must not leak across tenants.
	if !scope.Contains(batch.TenantID) {
		done(0)
		return nil, receipt.NewError(receipt.ErrCodeNotFound, "batch %s not found", batchID)
	}

	index := -1
	for i, id := range batch.ReceiptIDs {
		if id == receiptID {
			index = i
			break
		}
	}
	if index < 0 {
		done(0)
		return nil, receipt.NewError(receipt.ErrCodeNotFound, "receipt %s not in batch %s", receiptID, batchID)
	}

	done(1)
	return &Proof{
		BatchID:   batchID,
		ReceiptID: receiptID,
		LeafHash:  batch.LeafHashes[index],
		LeafIndex: index,
		Siblings:  merkleProof(batch.LeafHashes, index),
		Root:      batch.MerkleRoot,
	}, nil
}

func decodeReceipt(raw json.RawMessage) (*receipt.Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec receipt.Receipt
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
