package ingest_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/signing"
	"github.com/evidentry/evidentry/internal/store"
)

// producer is a test signing identity registered with the keyring.
type producer struct {
	keyID string
	priv  ed25519.PrivateKey
}

func newProducer(t *testing.T, keyring *signing.Keyring, keyID string) *producer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := keyring.AddKey(keyID, hex.EncodeToString(pub)); err != nil {
		t.Fatalf("register key: %v", err)
	}
	return &producer{keyID: keyID, priv: priv}
}

// receiptFor builds a fully signed record the way an offline producer
// would: it derives the chain scope locally and signs the canonical
// content bytes.
func (p *producer) receiptFor(t *testing.T, id, tenant string) *receipt.Receipt {
	t.Helper()
	rec := &receipt.Receipt{
		ReceiptID:   id,
		TenantID:    tenant,
		Plane:       "control",
		Environment: "prod",
		Emitter:     "svc-a",
		Payload:     map[string]any{"action": "deploy", "target": "api"},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SignerKeyID: p.keyID,
	}
	rec.ChainID = receipt.DeriveChainID(tenant, rec.Plane, rec.Environment, rec.Emitter)
	rec.EventDate = receipt.DeriveEventDate(rec.Timestamp)
	content, err := canonical.EncodeContent(rec)
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(p.priv, content))
	return rec
}

func newService(t *testing.T, m *store.Memory, classifier ingest.ContentClassifier) (*ingest.Service, *producer) {
	t.Helper()
	keyring := signing.NewKeyring()
	p := newProducer(t, keyring, "producer-1")
	svc := ingest.New(m, hashchain.New(m), keyring, classifier, ingest.Config{}, zap.NewNop())
	return svc, p
}

func rawOf(t *testing.T, rec *receipt.Receipt) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return b
}

func TestIngestSignedReceipt(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	stored, err := svc.Ingest(ctx, ingest.Caller{Subject: "svc-a", TenantID: "acme"}, rawOf(t, rec))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if stored.SequenceNo != 1 {
		t.Errorf("expected sequence 1, got %d", stored.SequenceNo)
	}
	if stored.PrevHash != hashchain.RootHash {
		t.Errorf("expected root sentinel prev hash, got %q", stored.PrevHash)
	}
	if stored.Hash == "" {
		t.Error("expected hash to be set")
	}
	if stored.ChainID != "acme/control/prod/svc-a" {
		t.Errorf("unexpected chain id %q", stored.ChainID)
	}
	if stored.RetentionState != receipt.RetentionActive {
		t.Errorf("expected active retention state, got %q", stored.RetentionState)
	}
}

func TestIngestChainLinkage(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()
	caller := ingest.Caller{TenantID: "acme"}

	first, err := svc.Ingest(ctx, caller, rawOf(t, p.receiptFor(t, "r-1", "acme")))
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	second, err := svc.Ingest(ctx, caller, rawOf(t, p.receiptFor(t, "r-2", "acme")))
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if second.SequenceNo != 2 {
		t.Errorf("expected sequence 2, got %d", second.SequenceNo)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("expected prev hash %q, got %q", first.Hash, second.PrevHash)
	}
}

func TestIngestNormalizesTimestampPrecision(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)

	rec := p.receiptFor(t, "r-1", "acme")
	rec.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	content, err := canonical.EncodeContent(rec)
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(p.priv, content))

	stored, err := svc.Ingest(context.Background(), ingest.Caller{TenantID: "acme"}, rawOf(t, rec))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	// The stored timestamp matches the canonical form byte for byte, so
	// re-verification after a database round trip reproduces the hash.
	want := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if !stored.Timestamp.Equal(want) {
		t.Errorf("expected microsecond-truncated timestamp %v, got %v", want, stored.Timestamp)
	}
}

func TestIngestIdempotentResubmission(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()
	caller := ingest.Caller{TenantID: "acme"}
	raw := rawOf(t, p.receiptFor(t, "r-1", "acme"))

	first, err := svc.Ingest(ctx, caller, raw)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	repeat, err := svc.Ingest(ctx, caller, raw)
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if repeat.SequenceNo != first.SequenceNo || repeat.Hash != first.Hash {
		t.Errorf("resubmission must return the original record: first=%d/%s repeat=%d/%s",
			first.SequenceNo, first.Hash, repeat.SequenceNo, repeat.Hash)
	}

	head, err := m.ChainHead(ctx, first.ChainID)
	if err != nil {
		t.Fatalf("chain head failed: %v", err)
	}
	if head.SequenceNo != 1 {
		t.Errorf("resubmission must not extend the chain, head at %d", head.SequenceNo)
	}
}

func TestIngestRejectsMalformedJSON(t *testing.T) {
	m := store.NewMemory()
	svc, _ := newService(t, m, nil)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, json.RawMessage(`{"receipt_id": `))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if ie.Retriable {
		t.Error("malformed input must not be retriable")
	}

	entries, err := m.ListDeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(entries))
	}
}

func TestIngestValidationMissingEmitter(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.Emitter = ""
	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, rec))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	entries, err := m.ListDeadLetters(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ReceiptID != "r-1" {
		t.Fatalf("expected dead letter for r-1, got %d entries", len(entries))
	}
}

func TestIngestTenantFallbackFromCaller(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	// The producer signed knowing its tenant; the submitted record
	// carries none and relies on the verified caller identity.
	rec := p.receiptFor(t, "r-1", "acme")
	rec.TenantID = ""
	stored, err := svc.Ingest(ctx, ingest.Caller{Subject: "svc-a", TenantID: "acme"}, rawOf(t, rec))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if stored.TenantID != "acme" {
		t.Errorf("expected tenant from caller identity, got %q", stored.TenantID)
	}
	if stored.ChainID != "acme/control/prod/svc-a" {
		t.Errorf("chain id must use the derived tenant, got %q", stored.ChainID)
	}
}

func TestIngestTenantMissing(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.TenantID = ""
	_, err := svc.Ingest(ctx, ingest.Caller{Subject: "svc-a"}, rawOf(t, rec))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeTenantMissing {
		t.Fatalf("expected TENANT_ID_MISSING, got %v", err)
	}
	if ie.Retriable {
		t.Error("missing tenant must not be retriable")
	}

	entries, err := m.ListDeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ErrorCode != receipt.ErrCodeTenantMissing {
		t.Fatalf("expected TENANT_ID_MISSING dead letter, got %d entries", len(entries))
	}
}

func TestIngestRejectsTamperedContent(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.Payload["action"] = "something-else"
	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, rec))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestIngestRejectsUnknownSigner(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.SignerKeyID = "never-registered"
	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, rec))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestIngestRejectsNonBase64Signature(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.Signature = "%%% not base64 %%%"
	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, rec))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

type classifierFunc func(ctx context.Context, tenantID string, payload map[string]any) error

func (f classifierFunc) Check(ctx context.Context, tenantID string, payload map[string]any) error {
	return f(ctx, tenantID, payload)
}

func TestIngestClassifierViolation(t *testing.T) {
	m := store.NewMemory()
	classifier := classifierFunc(func(context.Context, string, map[string]any) error {
		return errors.New("payload contains raw source text")
	})
	svc, p := newService(t, m, classifier)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, p.receiptFor(t, "r-1", "acme")))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeContentPolicyViolation {
		t.Fatalf("expected CONTENT_POLICY_VIOLATION, got %v", err)
	}
	if ie.Retriable {
		t.Error("a policy violation must not be retriable")
	}

	entries, err := m.ListDeadLetters(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ErrorCode != receipt.ErrCodeContentPolicyViolation {
		t.Fatalf("expected violation dead letter, got %d entries", len(entries))
	}
}

func TestIngestClassifierTimeoutFailsClosed(t *testing.T) {
	m := store.NewMemory()
	classifier := classifierFunc(func(ctx context.Context, _ string, _ map[string]any) error {
		return context.DeadlineExceeded
	})
	svc, p := newService(t, m, classifier)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, ingest.Caller{TenantID: "acme"}, rawOf(t, p.receiptFor(t, "r-1", "acme")))
	ie, ok := receipt.AsIngestError(err)
	if !ok || ie.Code != receipt.ErrCodeStoreUnavailable {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
	if !ie.Retriable {
		t.Error("collaborator timeout must be retriable")
	}

	// Fail closed: nothing was stored.
	if _, err := m.GetByID(ctx, "r-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no stored record, got %v", err)
	}
}

func TestIngestRecordReportsExisted(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()
	caller := ingest.Caller{TenantID: "acme"}

	_, existed, err := svc.IngestRecord(ctx, caller, p.receiptFor(t, "r-1", "acme"))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if existed {
		t.Error("expected existed=false on first ingest")
	}
	_, existed, err = svc.IngestRecord(ctx, caller, p.receiptFor(t, "r-1", "acme"))
	if err != nil {
		t.Fatalf("repeat ingest failed: %v", err)
	}
	if !existed {
		t.Error("expected existed=true on repeat ingest")
	}
}

func TestIngestRecordUnserializablePayload(t *testing.T) {
	m := store.NewMemory()
	svc, p := newService(t, m, nil)
	ctx := context.Background()

	rec := p.receiptFor(t, "r-1", "acme")
	rec.Payload["bad"] = make(chan int)

	_, _, err := svc.IngestRecord(ctx, ingest.Caller{TenantID: "acme"}, rec)
	if ie, ok := receipt.AsIngestError(err); !ok || ie.Code != receipt.ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	// The rejection is still traced even though the record could not be
	// serialized for the trace payload.
	entries, lerr := m.ListDeadLetters(ctx, "acme", 10)
	if lerr != nil {
		t.Fatalf("list dead letters: %v", lerr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dead-letter entry, got %d", len(entries))
	}
	if entries[0].ReceiptID != "r-1" {
		t.Errorf("expected trace for r-1, got %q", entries[0].ReceiptID)
	}
	if len(entries[0].Payload) != 0 {
		t.Errorf("expected empty trace payload for unserializable record, got %q", entries[0].Payload)
	}
}
