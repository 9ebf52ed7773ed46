// Package receipt defines the domain model of the evidence ledger:
// the Receipt record itself, the courier batch wrapper, dead-letter
// entries, and the shared error taxonomy.
//
// A Receipt is append-only: once accepted its content, hash, and
// signature never change. Only RetentionState and LegalHold are
// mutable, and only through the store's narrow retention operation.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetentionState describes where a receipt sits in its retention lifecycle.
type RetentionState string

const (
	RetentionActive   RetentionState = "active"
	RetentionArchived RetentionState = "archived"
	RetentionExpired  RetentionState = "expired"
)

// ChainIDSeparator joins the scope components of a chain identifier.
const ChainIDSeparator = "/"

// Receipt is one append-only, signed, hash-linked record.
type Receipt struct {
	// Identity. ReceiptID is producer-assigned and doubles as the
	// idempotency key for retries.
	ReceiptID string `json:"receipt_id"`
	TenantID  string `json:"tenant_id"`
	ChainID   string `json:"chain_id"`

	// Chain scope components; ChainID is derived from these.
	Plane       string `json:"plane"`
	Environment string `json:"environment"`
	Emitter     string `json:"emitter"`

	// Content. Payload carries structured metadata only; raw secrets
	// and source text are screened out by the external classifier
	// before a record is accepted.
	Payload  map[string]any `json:"payload"`
	Decision string         `json:"decision,omitempty"`
	Resource string         `json:"resource,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	// EventDate is the UTC date of Timestamp (YYYY-MM-DD), used as the
	// partition key together with TenantID.
	EventDate string `json:"event_date"`

	// Integrity. SequenceNo and PrevHash are assigned at ingestion;
	// Hash covers the canonical encoding of everything except Hash and
	// Signature; Signature is the producer's detached signature over
	// the canonical content bytes.
	SequenceNo  int64  `json:"sequence_no"`
	PrevHash    string `json:"prev_hash"`
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	SignerKeyID string `json:"signer_key_id"`

	// Linking. Producer-supplied and not guaranteed acyclic.
	ParentReceiptID   string   `json:"parent_receipt_id,omitempty"`
	RelatedReceiptIDs []string `json:"related_receipt_ids,omitempty"`

	// Lifecycle. Mutable only via the retention path.
	RetentionState RetentionState `json:"retention_state"`
	LegalHold      bool           `json:"legal_hold"`

	StoredAt time.Time `json:"stored_at"`
}

// DeriveChainID builds the chain scope identifier for a receipt:
// tenant, plane, environment, and emitter joined in that order.
func DeriveChainID(tenantID, plane, environment, emitter string) string {
	return strings.Join([]string{tenantID, plane, environment, emitter}, ChainIDSeparator)
}

// DeriveEventDate returns the UTC calendar date of ts in YYYY-MM-DD form.
func DeriveEventDate(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// CourierBatch is the metadata wrapper for a batch of receipts produced
// by a disconnected edge process. The batch does not replace individual
// receipt storage; every contained receipt is ingested and indexed on
// its own, and the batch record exists so a verifier can later check,
// via a Merkle proof, that a given receipt was part of what the
// producer actually signed.
type CourierBatch struct {
	BatchID         string    `json:"batch_id"`
	TenantID        string    `json:"tenant_id"`
	ProducerID      string    `json:"producer_id"`
	MerkleRoot      string    `json:"merkle_root"`
	SequenceNumbers []int64   `json:"sequence_numbers"`
	// LeafHashes holds the sorted content hashes the Merkle root was
	// computed over; proofs are rebuilt from this list on demand.
	LeafHashes []string  `json:"leaf_hashes"`
	ReceiptIDs []string  `json:"receipt_ids"`
	BatchTime  time.Time `json:"batch_time"`
	StoredAt   time.Time `json:"stored_at"`
}

// DeadLetterEntry records an ingestion attempt that was rejected before
// it became a durable receipt.
type DeadLetterEntry struct {
	ID           string          `json:"id"`
	ReceiptID    string          `json:"receipt_id,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ErrorCode    ErrorCode       `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	RetryCount   int             `json:"retry_count"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	// ExpiresAt bounds how long the rejected payload is kept for
	// investigation; the retention sweep purges it afterwards.
	ExpiresAt time.Time `json:"expires_at"`
}

// MetaAuditChainEmitter is the emitter name of the per-tenant chain
// that records who read what. Meta-audit records are ordinary receipts
// ingested through the same append-only path as everything else.
const MetaAuditChainEmitter = "meta-audit"

// MetaAudit captures one read, export, verify, or traversal call.
type MetaAudit struct {
	Requester   string    `json:"requester"`
	TenantScope []string  `json:"tenant_scope"`
	Operation   string    `json:"operation"`
	QueryShape  string    `json:"query_shape"`
	Decision    string    `json:"decision"` // allow / deny
	ResultCount int       `json:"result_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorCode identifies an expected failure mode of the ledger.
type ErrorCode string

const (
	ErrCodeValidation             ErrorCode = "VALIDATION_ERROR"
	ErrCodeTenantMissing          ErrorCode = "TENANT_ID_MISSING"
	ErrCodeContentPolicyViolation ErrorCode = "CONTENT_POLICY_VIOLATION"
	ErrCodeSignatureInvalid       ErrorCode = "SIGNATURE_INVALID"
	ErrCodeChainConflict          ErrorCode = "CHAIN_CONFLICT"
	ErrCodeStoreUnavailable       ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeMerkleRootMismatch     ErrorCode = "MERKLE_ROOT_MISMATCH"
	ErrCodeAccessDenied           ErrorCode = "ACCESS_DENIED"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
)

// IngestError is the typed result for every expected failure mode.
// Downstream consumers only ever see plain errors for programming
// misuse; everything the taxonomy names surfaces as one of these.
type IngestError struct {
	Code      ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// Error implements the error interface.
func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a non-retriable IngestError.
func NewError(code ErrorCode, format string, args ...any) *IngestError {
	return &IngestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRetriableError builds a retriable IngestError.
func NewRetriableError(code ErrorCode, format string, args ...any) *IngestError {
	return &IngestError{Code: code, Message: fmt.Sprintf(format, args...), Retriable: true}
}

// AsIngestError unwraps err into an *IngestError if it is one.
func AsIngestError(err error) (*IngestError, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
