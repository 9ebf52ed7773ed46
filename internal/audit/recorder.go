package audit

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/signing"
)

// metaAuditPlane/Environment scope the per-tenant meta-audit chain.
const (
	metaAuditPlane       = "control"
	metaAuditEnvironment = "ledger"
)

// Recorder turns read events into meta-audit receipts, signed with the
// ledger's own key and ingested through the normal append path. A
// failed audit write is logged, never propagated: reads must not fail
// because auditing lagged.
type Recorder struct {
	ingester *ingest.Service
	signer   signing.Signer
	logger   *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(ingester *ingest.Service, signer signing.Signer, logger *zap.Logger) *Recorder {
	return &Recorder{ingester: ingester, signer: signer, logger: logger}
}

// Record writes one meta-audit receipt. The record lands on the
// meta-audit chain of the first tenant in scope (or the caller's
// tenant), so reads of audit history are themselves audited.
func (r *Recorder) Record(ctx context.Context, caller Caller, ma receipt.MetaAudit) {
	tenant := caller.TenantID
	if len(ma.TenantScope) > 0 && ma.TenantScope[0] != "*" {
		tenant = ma.TenantScope[0]
	}
	if tenant == "" {
		tenant = "system"
	}

	scope := make([]any, len(ma.TenantScope))
	for i, t := range ma.TenantScope {
		scope[i] = t
	}
	rec := &receipt.Receipt{
		ReceiptID:   uuid.New().String(),
		TenantID:    tenant,
		Plane:       metaAuditPlane,
		Environment: metaAuditEnvironment,
		Emitter:     receipt.MetaAuditChainEmitter,
		Timestamp:   ma.Timestamp,
		Decision:    ma.Decision,
		Payload: map[string]any{
			"requester":    ma.Requester,
			"tenant_scope": scope,
			"operation":    ma.Operation,
			"query_shape":  ma.QueryShape,
			"decision":     ma.Decision,
			"result_count": int64(ma.ResultCount),
			"timestamp":    ma.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}

	// Sign the canonical content bytes with the ledger's own key. The
	// key id is part of the signed content, so it is set first.
	rec.ChainID = receipt.DeriveChainID(tenant, metaAuditPlane, metaAuditEnvironment, receipt.MetaAuditChainEmitter)
	rec.EventDate = receipt.DeriveEventDate(rec.Timestamp)
	rec.SignerKeyID = r.signer.KeyID()
	content, err := canonical.EncodeContent(rec)
	if err != nil {
		r.logger.Error("meta-audit canonical encoding failed", zap.Error(err))
		return
	}
	sig, err := r.signer.Sign(ctx, content)
	if err != nil {
		r.logger.Error("meta-audit signing failed", zap.Error(err))
		return
	}
	rec.Signature = base64.StdEncoding.EncodeToString(sig)

	ingestCaller := ingest.Caller{Subject: "evidentry-ledger", TenantID: tenant}
	if _, _, err := r.ingester.IngestRecord(ctx, ingestCaller, rec); err != nil {
		r.logger.Error("meta-audit record write failed",
			zap.String("operation", ma.Operation),
			zap.String("decision", ma.Decision),
			zap.Error(err),
		)
	}
}
