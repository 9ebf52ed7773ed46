// Package query serves filtered search, point lookups, and aggregation
// over committed receipts. Every call first obtains an access decision
// scoped to the requested tenants and emits a meta-audit receipt with
// the outcome; that gate is part of this component's contract, not an
// optional middleware.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// searchStore is the read-side persistence interface. Both
// *store.Memory and *store.Postgres satisfy it.
type searchStore interface {
	GetByID(ctx context.Context, receiptID string) (*receipt.Receipt, error)
	Search(ctx context.Context, scope store.Scope, f store.Filter, cursor *store.Cursor, limit int) (*store.Page, error)
	Aggregate(ctx context.Context, scope store.Scope, f store.Filter, dimension, bucket string) ([]store.AggregateRow, error)
}

// Service answers read queries under strict tenant isolation.
type Service struct {
	store  searchStore
	guard  *audit.Guard
	logger *zap.Logger
}

// New creates a query Service.
func New(st searchStore, guard *audit.Guard, logger *zap.Logger) *Service {
	return &Service{store: st, guard: guard, logger: logger}
}

// Search returns one page of receipts matching scope and filter,
// ordered by (event_date, sequence_no) for stable pagination.
func (s *Service) Search(ctx context.Context, caller audit.Caller, scope store.Scope, f store.Filter, cursorToken string, limit int) (*store.Page, error) {
	shape := audit.ShapeOf(
		boolField(!f.From.IsZero() || !f.To.IsZero(), "time_range"),
		boolField(f.ChainID != "", "chain_id"),
		boolField(f.Emitter != "", "emitter"),
		boolField(f.Decision != "", "decision"),
		boolField(f.Resource != "", "resource"),
	)
	done, err := s.guard.Authorize(ctx, caller, scope, "search", shape)
	if err != nil {
		return nil, err
	}

	cursor, err := store.DecodeCursor(cursorToken)
	if err != nil {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "invalid cursor")
	}

	page, err := s.store.Search(ctx, scope, f, cursor, limit)
	if err != nil {
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	done(len(page.Receipts))
	return page, nil
}

// Get returns a single receipt by id, enforcing that its tenant falls
// inside the authorized scope.
func (s *Service) Get(ctx context.Context, caller audit.Caller, scope store.Scope, receiptID string) (*receipt.Receipt, error) {
	done, err := s.guard.Authorize(ctx, caller, scope, "get", "receipt_id")
	if err != nil {
		return nil, err
	}

	r, err := s.store.GetByID(ctx, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, receipt.NewError(receipt.ErrCodeNotFound, "receipt %s not found", receiptID)
		}
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	// A record outside the authorized scope is indistinguishable from
	// a missing one; existence must not leak across tenants.
	if !scope.Contains(r.TenantID) {
		done(0)
		return nil, receipt.NewError(receipt.ErrCodeNotFound, "receipt %s not found", receiptID)
	}
	done(1)
	return r, nil
}

// Aggregate buckets receipts by day, week, or month and counts them per
// value of the requested dimension.
func (s *Service) Aggregate(ctx context.Context, caller audit.Caller, scope store.Scope, f store.Filter, dimension, bucket string) ([]store.AggregateRow, error) {
	if !store.ValidDimension(dimension) {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "unsupported aggregation dimension %q", dimension)
	}
	if !store.ValidBucket(bucket) {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "unsupported aggregation bucket %q", bucket)
	}
	done, err := s.guard.Authorize(ctx, caller, scope, "aggregate", fmt.Sprintf("dimension=%s", dimension))
	if err != nil {
		return nil, err
	}

	rows, err := s.store.Aggregate(ctx, scope, f, dimension, bucket)
	if err != nil {
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	done(len(rows))
	return rows, nil
}

func boolField(set bool, name string) string {
	if set {
		return name
	}
	return ""
}
