// Package ingest is the only writer path into the ledger. It validates
// raw records, derives their tenant and chain scope, links them into
// the hash chain, verifies the producer signature, and appends them
// idempotently. Rejected attempts are routed to the dead-letter store
// with a typed error code.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/signing"
	"github.com/evidentry/evidentry/internal/store"
)

// receiptStore is the persistence interface the ingestion service
// needs. Both *store.Memory and *store.Postgres satisfy it.
type receiptStore interface {
	Append(ctx context.Context, r *receipt.Receipt) (*receipt.Receipt, bool, error)
	SaveDeadLetter(ctx context.Context, e *receipt.DeadLetterEntry) error
}

// ContentClassifier is the external collaborator that enforces the
// metadata-only content rule. It returns an error describing the
// violation when the payload carries disallowed material.
type ContentClassifier interface {
	Check(ctx context.Context, tenantID string, payload map[string]any) error
}

// Caller is the verified identity context of the producer, used as the
// tenant fallback when the record itself carries none.
type Caller struct {
	Subject  string
	TenantID string
	Roles    []string
}

// Config tunes the ingestion service.
type Config struct {
	// CollaboratorTimeout bounds calls to the classifier and signature
	// verifier. On timeout the record is rejected, never waved through.
	CollaboratorTimeout time.Duration
	// DeadLetterTTL is how long ordinary dead letters are kept.
	DeadLetterTTL time.Duration
	// ViolationTTL is the shorter window for CONTENT_POLICY_VIOLATION
	// payloads, kept only long enough to allow investigation.
	ViolationTTL time.Duration
}

func (c *Config) defaults() {
	if c.CollaboratorTimeout == 0 {
		c.CollaboratorTimeout = 5 * time.Second
	}
	if c.DeadLetterTTL == 0 {
		c.DeadLetterTTL = 30 * 24 * time.Hour
	}
	if c.ViolationTTL == 0 {
		c.ViolationTTL = 7 * 24 * time.Hour
	}
}

// Service validates and appends receipts.
type Service struct {
	store      receiptStore
	chain      *hashchain.Engine
	verifier   signing.Verifier
	classifier ContentClassifier // nil = classification handled upstream
	cfg        Config
	logger     *zap.Logger
}

// New creates an ingestion Service. classifier may be nil to disable
// the content gate (tests, trusted internal producers).
func New(st receiptStore, chain *hashchain.Engine, verifier signing.Verifier, classifier ContentClassifier, cfg Config, logger *zap.Logger) *Service {
	cfg.defaults()
	return &Service{
		store:      st,
		chain:      chain,
		verifier:   verifier,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Ingest parses and ingests one raw record. All expected failure modes
// return a *receipt.IngestError; fatal ones leave a dead-letter trace.
func (s *Service) Ingest(ctx context.Context, caller Caller, raw json.RawMessage) (*receipt.Receipt, error) {
	rec, err := parseRaw(raw)
	if err != nil {
		ie := receipt.NewError(receipt.ErrCodeValidation, "malformed record: %v", err)
		s.deadLetter(ctx, "", "", raw, ie)
		return nil, ie
	}
	stored, _, err := s.ingestParsed(ctx, caller, rec, raw)
	return stored, err
}

// IngestRecord ingests an already-typed record. The courier batch
// service and the meta-audit recorder use this path; it applies the
// same validation, classification, linking, and verification as Ingest.
// The second return value reports whether the receipt_id had already
// been accepted and the stored record was returned unchanged.
func (s *Service) IngestRecord(ctx context.Context, caller Caller, rec *receipt.Receipt) (*receipt.Receipt, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		// The record still ingests; only the dead-letter trace would
		// have carried its serialized form.
		s.logger.Warn("record not serializable for dead-letter trace",
			zap.String("receipt_id", rec.ReceiptID),
			zap.Error(err),
		)
		raw = nil
	}
	return s.ingestParsed(ctx, caller, rec, raw)
}

func (s *Service) ingestParsed(ctx context.Context, caller Caller, rec *receipt.Receipt, raw json.RawMessage) (*receipt.Receipt, bool, error) {
	if ie := validate(rec); ie != nil {
		s.deadLetter(ctx, rec.ReceiptID, rec.TenantID, raw, ie)
		return nil, false, ie
	}

	// Stored timestamps carry microsecond precision at most; normalizing
	// here keeps the stored value byte-identical to the canonical form
	// the hash covers, on every backend.
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)

	// Tenant derivation: the record's own tenant_id wins; the caller's
	// verified identity is the fallback. Neither → fatal, not retried.
	if rec.TenantID == "" {
		rec.TenantID = caller.TenantID
	}
	if rec.TenantID == "" {
		ie := receipt.NewError(receipt.ErrCodeTenantMissing, "no tenant_id on record and none in caller identity")
		s.deadLetter(ctx, rec.ReceiptID, "", raw, ie)
		return nil, false, ie
	}

	if s.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
		err := s.classifier.Check(cctx, rec.TenantID, rec.Payload)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			// Fail closed: an unreachable classifier rejects the
			// operation rather than bypassing the check.
			return nil, false, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "content classifier unavailable")
		default:
			ie := receipt.NewError(receipt.ErrCodeContentPolicyViolation, "%v", err)
			s.deadLetterViolation(ctx, rec.ReceiptID, rec.TenantID, raw, ie)
			return nil, false, ie
		}
	}

	rec.ChainID = receipt.DeriveChainID(rec.TenantID, rec.Plane, rec.Environment, rec.Emitter)
	rec.EventDate = receipt.DeriveEventDate(rec.Timestamp)

	// Lifecycle fields always start fresh; producers cannot pre-set
	// retention state or a legal hold.
	rec.RetentionState = receipt.RetentionActive
	rec.LegalHold = false

	content, err := canonical.EncodeContent(rec)
	if err != nil {
		ie := receipt.NewError(receipt.ErrCodeValidation, "canonical encoding: %v", err)
		s.deadLetter(ctx, rec.ReceiptID, rec.TenantID, raw, ie)
		return nil, false, ie
	}

	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return nil, false, receipt.NewError(receipt.ErrCodeSignatureInvalid, "signature is not valid base64")
	}
	vctx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	err = s.verifier.Verify(vctx, rec.SignerKeyID, content, sig)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, signing.ErrBadSignature), errors.Is(err, signing.ErrUnknownKey):
		return nil, false, receipt.NewError(receipt.ErrCodeSignatureInvalid, "%v", err)
	default:
		return nil, false, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "signature provider unavailable: %v", err)
	}

	// The link computation and the append must be atomic per chain.
	// The per-chain lock serializes them in-process; the postgres store
	// additionally detects a lost race as ErrChainConflict, which gets
	// one retry with a fresh link.
	stored, existed, err := s.linkAndAppend(ctx, rec)
	if errors.Is(err, store.ErrChainConflict) {
		stored, existed, err = s.linkAndAppend(ctx, rec)
	}
	if err != nil {
		if errors.Is(err, store.ErrChainConflict) {
			return nil, false, receipt.NewRetriableError(receipt.ErrCodeChainConflict, "chain %s: sequence contention", rec.ChainID)
		}
		return nil, false, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	return stored, existed, nil
}

func (s *Service) linkAndAppend(ctx context.Context, rec *receipt.Receipt) (*receipt.Receipt, bool, error) {
	unlock := s.chain.LockChain(rec.ChainID)
	defer unlock()

	seq, prev, err := s.chain.Link(ctx, rec.ChainID)
	if err != nil {
		return nil, false, err
	}
	rec.SequenceNo = seq
	rec.PrevHash = prev

	encoded, err := canonical.Encode(rec)
	if err != nil {
		return nil, false, err
	}
	rec.Hash = hashchain.Sum(encoded)

	stored, existed, err := s.store.Append(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if existed {
		s.logger.Debug("duplicate receipt deduplicated", zap.String("receipt_id", rec.ReceiptID))
	} else {
		s.logger.Info("receipt ingested",
			zap.String("receipt_id", stored.ReceiptID),
			zap.String("chain_id", stored.ChainID),
			zap.Int64("sequence_no", stored.SequenceNo),
		)
	}
	return stored, existed, nil
}

func (s *Service) deadLetter(ctx context.Context, receiptID, tenantID string, raw json.RawMessage, ie *receipt.IngestError) {
	s.saveDeadLetter(ctx, receiptID, tenantID, raw, ie, s.cfg.DeadLetterTTL)
}

func (s *Service) deadLetterViolation(ctx context.Context, receiptID, tenantID string, raw json.RawMessage, ie *receipt.IngestError) {
	s.saveDeadLetter(ctx, receiptID, tenantID, raw, ie, s.cfg.ViolationTTL)
}

func (s *Service) saveDeadLetter(ctx context.Context, receiptID, tenantID string, raw json.RawMessage, ie *receipt.IngestError, ttl time.Duration) {
	now := time.Now().UTC()
	entry := &receipt.DeadLetterEntry{
		ID:           uuid.New().String(),
		ReceiptID:    receiptID,
		TenantID:     tenantID,
		Payload:      raw,
		ErrorCode:    ie.Code,
		ErrorMessage: ie.Message,
		FirstSeen:    now,
		LastSeen:     now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.store.SaveDeadLetter(ctx, entry); err != nil {
		s.logger.Error("dead letter write failed",
			zap.String("receipt_id", receiptID),
			zap.String("error_code", string(ie.Code)),
			zap.Error(err),
		)
	}
}

// parseRaw decodes a raw record, preserving payload numbers verbatim
// via json.Number so canonical encoding never re-renders them.
func parseRaw(raw json.RawMessage) (*receipt.Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec receipt.Receipt
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// validate checks structural requirements before anything else runs.
func validate(rec *receipt.Receipt) *receipt.IngestError {
	switch {
	case rec.ReceiptID == "":
		return receipt.NewError(receipt.ErrCodeValidation, "receipt_id is required")
	case rec.Timestamp.IsZero():
		return receipt.NewError(receipt.ErrCodeValidation, "timestamp is required")
	case rec.Emitter == "":
		return receipt.NewError(receipt.ErrCodeValidation, "emitter is required")
	case rec.Plane == "":
		return receipt.NewError(receipt.ErrCodeValidation, "plane is required")
	case rec.Environment == "":
		return receipt.NewError(receipt.ErrCodeValidation, "environment is required")
	case rec.Payload == nil:
		return receipt.NewError(receipt.ErrCodeValidation, "payload is required")
	case rec.Signature == "":
		return receipt.NewError(receipt.ErrCodeValidation, "signature is required")
	case rec.SignerKeyID == "":
		return receipt.NewError(receipt.ErrCodeValidation, "signer_key_id is required")
	}
	return nil
}
