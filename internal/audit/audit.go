// Package audit holds the two cross-cutting read-path concerns: the
// access-decision gate consulted before every query, export, verify, or
// traversal, and the meta-audit recorder that writes a receipt for each
// of those calls through the same append-only ingestion path as
// everything else.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// Request describes a read a caller wants to perform.
type Request struct {
	Subject      string
	CallerTenant string
	Roles        []string
	TenantIDs    []string
	AllTenants   bool
	Operation    string
}

// Decision is the authorization collaborator's answer. Elevated is
// required for any scope spanning more than one tenant.
type Decision struct {
	Allowed  bool
	Elevated bool
	Reason   string
}

// Decider is the external tenant/role authorization capability. The
// ledger depends on it by injection; production wires an authorization
// service client, tests wire fakes.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Caller is the verified identity performing a read.
type Caller struct {
	Subject  string
	TenantID string
	Roles    []string
}

// Guard authorizes read operations and records every outcome, allowed
// or denied, as a meta-audit receipt.
type Guard struct {
	decider  Decider
	recorder *Recorder
	timeout  time.Duration
}

// NewGuard creates a Guard. timeout bounds the authorization call; on
// expiry the operation is rejected, never waved through.
func NewGuard(decider Decider, recorder *Recorder, timeout time.Duration) *Guard {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Guard{decider: decider, recorder: recorder, timeout: timeout}
}

// Authorize checks the caller against the requested scope. On success
// it returns a closure the read path calls with its result count to
// emit the allow-decision meta-audit record. On denial it emits the
// deny record itself and returns an ACCESS_DENIED error.
func (g *Guard) Authorize(ctx context.Context, caller Caller, scope store.Scope, operation, queryShape string) (func(resultCount int), error) {
	req := Request{
		Subject:      caller.Subject,
		CallerTenant: caller.TenantID,
		Roles:        caller.Roles,
		TenantIDs:    scope.TenantIDs,
		AllTenants:   scope.AllTenants,
		Operation:    operation,
	}

	// Meta-audit records outlive the request: a caller hanging up after
	// the read completed must not lose the trail entry for that read.
	auditCtx := context.WithoutCancel(ctx)

	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	decision, err := g.decider.Decide(dctx, req)
	cancel()
	if err != nil {
		g.record(auditCtx, caller, scope, operation, queryShape, "deny", 0)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, receipt.NewRetriableError(receipt.ErrCodeAccessDenied, "authorization service unavailable")
		}
		return nil, receipt.NewRetriableError(receipt.ErrCodeAccessDenied, "authorization: %v", err)
	}

	multiTenant := scope.AllTenants || len(scope.TenantIDs) > 1
	denied := ""
	switch {
	case !decision.Allowed:
		denied = decision.Reason
		if denied == "" {
			denied = "access denied"
		}
	case multiTenant && !decision.Elevated:
		denied = "multi-tenant scope requires an elevated role decision"
	}

	if denied != "" {
		g.record(auditCtx, caller, scope, operation, queryShape, "deny", 0)
		return nil, receipt.NewError(receipt.ErrCodeAccessDenied, "%s", denied)
	}

	return func(resultCount int) {
		g.record(auditCtx, caller, scope, operation, queryShape, "allow", resultCount)
	}, nil
}

func (g *Guard) record(ctx context.Context, caller Caller, scope store.Scope, operation, queryShape, decision string, resultCount int) {
	if g.recorder == nil {
		return
	}
	tenants := scope.TenantIDs
	if scope.AllTenants {
		tenants = []string{"*"}
	}
	g.recorder.Record(ctx, caller, receipt.MetaAudit{
		Requester:   caller.Subject,
		TenantScope: tenants,
		Operation:   operation,
		QueryShape:  queryShape,
		Decision:    decision,
		ResultCount: resultCount,
		Timestamp:   time.Now().UTC(),
	})
}

// ShapeOf renders a compact query-shape description for the audit
// trail, e.g. "chain_id,from,to".
func ShapeOf(parts ...string) string {
	shape := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if shape != "" {
			shape += ","
		}
		shape += p
	}
	if shape == "" {
		return "unfiltered"
	}
	return shape
}
