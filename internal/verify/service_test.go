package verify_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/signing"
	"github.com/evidentry/evidentry/internal/store"
	"github.com/evidentry/evidentry/internal/verify"
)

type verifyFixture struct {
	store    *store.Memory
	ingester *ingest.Service
	service  *verify.Service
	priv     ed25519.PrivateKey
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()
	m := store.NewMemory()
	keyring := signing.NewKeyring()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := keyring.AddKey("producer-1", hex.EncodeToString(pub)); err != nil {
		t.Fatalf("register key: %v", err)
	}
	guard := audit.NewGuard(audit.NewRoleDecider(), nil, time.Second)
	return &verifyFixture{
		store:    m,
		ingester: ingest.New(m, hashchain.New(m), keyring, nil, ingest.Config{}, zap.NewNop()),
		service:  verify.New(m, keyring, guard, zap.NewNop()),
		priv:     priv,
	}
}

func (f *verifyFixture) ingest(t *testing.T, id, tenant string) *receipt.Receipt {
	t.Helper()
	rec := &receipt.Receipt{
		ReceiptID:   id,
		TenantID:    tenant,
		Plane:       "control",
		Environment: "prod",
		Emitter:     "svc-a",
		Payload:     map[string]any{"n": id},
		Timestamp:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		SignerKeyID: "producer-1",
	}
	rec.ChainID = receipt.DeriveChainID(tenant, rec.Plane, rec.Environment, rec.Emitter)
	rec.EventDate = receipt.DeriveEventDate(rec.Timestamp)
	content, err := canonical.EncodeContent(rec)
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(f.priv, content))
	stored, _, err := f.ingester.IngestRecord(context.Background(), ingest.Caller{TenantID: tenant}, rec)
	if err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
	return stored
}

// rehash recomputes a tampered record's stored hash so only the
// targeted property is inconsistent.
func rehash(t *testing.T, r *receipt.Receipt) {
	t.Helper()
	encoded, err := canonical.Encode(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r.Hash = hashchain.Sum(encoded)
}

func TestVerifyReceiptValid(t *testing.T) {
	f := newVerifyFixture(t)
	f.ingest(t, "r-1", "acme")
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	result, err := f.service.VerifyReceipt(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, "r-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !result.HashValid || !result.SignatureValid {
		t.Fatalf("expected valid receipt, got %+v", result)
	}
}

func TestVerifyReceiptDetectsTamperedPayload(t *testing.T) {
	f := newVerifyFixture(t)
	f.ingest(t, "r-1", "acme")
	if !f.store.Tamper("r-1", func(r *receipt.Receipt) {
		r.Payload["n"] = "rewritten"
	}) {
		t.Fatal("tamper target missing")
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyReceipt(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, "r-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if result.HashValid {
		t.Error("expected hash mismatch after payload mutation")
	}
	if result.SignatureValid {
		t.Error("expected signature mismatch after payload mutation")
	}
}

func TestVerifyReceiptDetectsForgedSignature(t *testing.T) {
	f := newVerifyFixture(t)
	f.ingest(t, "r-1", "acme")
	forged := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
	if !f.store.Tamper("r-1", func(r *receipt.Receipt) {
		r.Signature = forged
	}) {
		t.Fatal("tamper target missing")
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyReceipt(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, "r-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	// The hash does not cover the signature, so only the signature
	// check trips.
	if !result.HashValid {
		t.Error("expected hash to remain valid")
	}
	if result.SignatureValid {
		t.Error("expected forged signature to be rejected")
	}
}

func TestVerifyReceiptHidesForeignTenant(t *testing.T) {
	f := newVerifyFixture(t)
	f.ingest(t, "r-globex", "globex")
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	_, err := f.service.VerifyReceipt(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, "r-globex")
	if ie, ok := receipt.AsIngestError(err); !ok || ie.Code != receipt.ErrCodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestVerifyRangeValid(t *testing.T) {
	f := newVerifyFixture(t)
	var chainID string
	for i := 1; i <= 4; i++ {
		stored := f.ingest(t, fmt.Sprintf("r-%d", i), "acme")
		chainID = stored.ChainID
	}
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	result, err := f.service.VerifyRange(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, chainID, 1, 4)
	if err != nil {
		t.Fatalf("verify range failed: %v", err)
	}
	if !result.Valid || result.Checked != 4 {
		t.Fatalf("expected 4 valid records, got %+v", result)
	}
}

func TestVerifyRangeDetectsGap(t *testing.T) {
	f := newVerifyFixture(t)
	first := f.ingest(t, "r-1", "acme")

	// Write a sequence-3 record straight to the store, leaving 2 missing.
	orphan := &receipt.Receipt{
		ReceiptID:   "r-3",
		TenantID:    "acme",
		ChainID:     first.ChainID,
		Plane:       "control",
		Environment: "prod",
		Emitter:     "svc-a",
		Payload:     map[string]any{"n": "r-3"},
		Timestamp:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		EventDate:   "2026-05-01",
		SequenceNo:  3,
		PrevHash:    "unknown",
		Hash:        "unknown",
		Signature:   "sig",
		SignerKeyID: "producer-1",
	}
	if _, _, err := f.store.Append(context.Background(), orphan); err != nil {
		t.Fatalf("append orphan: %v", err)
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyRange(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, first.ChainID, 1, 3)
	if err != nil {
		t.Fatalf("verify range failed: %v", err)
	}
	if result.Valid {
		t.Fatal("expected gap to invalidate the range")
	}
	if result.OffendingSeq != 2 {
		t.Errorf("expected offending sequence 2, got %d", result.OffendingSeq)
	}
}

func TestVerifyRangeDetectsContentBreak(t *testing.T) {
	f := newVerifyFixture(t)
	var chainID string
	for i := 1; i <= 3; i++ {
		chainID = f.ingest(t, fmt.Sprintf("r-%d", i), "acme").ChainID
	}
	if !f.store.Tamper("r-2", func(r *receipt.Receipt) {
		r.Payload["n"] = "rewritten"
	}) {
		t.Fatal("tamper target missing")
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyRange(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, chainID, 1, 3)
	if err != nil {
		t.Fatalf("verify range failed: %v", err)
	}
	if result.Valid || result.OffendingSeq != 2 {
		t.Fatalf("expected break at sequence 2, got %+v", result)
	}
}

func TestVerifyRangeDetectsLinkageBreak(t *testing.T) {
	f := newVerifyFixture(t)
	var chainID string
	for i := 1; i <= 3; i++ {
		chainID = f.ingest(t, fmt.Sprintf("r-%d", i), "acme").ChainID
	}
	// Rewrite record 2's linkage and recompute its hash, so the record
	// is self-consistent but no longer points at its predecessor.
	if !f.store.Tamper("r-2", func(r *receipt.Receipt) {
		r.PrevHash = hashchain.Sum([]byte("elsewhere"))
		rehash(t, r)
	}) {
		t.Fatal("tamper target missing")
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyRange(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, chainID, 1, 3)
	if err != nil {
		t.Fatalf("verify range failed: %v", err)
	}
	if result.Valid || result.OffendingSeq != 2 {
		t.Fatalf("expected linkage break at sequence 2, got %+v", result)
	}
	if result.Reason != "break: prev_hash does not match predecessor hash" {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestVerifyRangeDetectsRootSentinelBreak(t *testing.T) {
	f := newVerifyFixture(t)
	chainID := f.ingest(t, "r-1", "acme").ChainID
	if !f.store.Tamper("r-1", func(r *receipt.Receipt) {
		r.PrevHash = hashchain.Sum([]byte("forged ancestor"))
		rehash(t, r)
	}) {
		t.Fatal("tamper target missing")
	}

	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	result, err := f.service.VerifyRange(context.Background(), caller, store.Scope{TenantIDs: []string{"acme"}}, chainID, 1, 1)
	if err != nil {
		t.Fatalf("verify range failed: %v", err)
	}
	if result.Valid || result.OffendingSeq != 1 {
		t.Fatalf("expected sentinel break at sequence 1, got %+v", result)
	}
}

func TestVerifyRangeRejectsInvalidBounds(t *testing.T) {
	f := newVerifyFixture(t)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	scope := store.Scope{TenantIDs: []string{"acme"}}

	if _, err := f.service.VerifyRange(context.Background(), caller, scope, "c", 0, 5); err == nil {
		t.Error("expected error for from < 1")
	}
	if _, err := f.service.VerifyRange(context.Background(), caller, scope, "c", 5, 2); err == nil {
		t.Error("expected error for inverted range")
	}
}
