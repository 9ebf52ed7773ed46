package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/receipt"
)

// Memory is an in-memory, thread-safe store implementation.
type Memory struct {
	mu          sync.RWMutex
	byID        map[string]*receipt.Receipt
	byChain     map[string][]*receipt.Receipt // kept sorted by sequence_no
	byParent    map[string][]string
	batches     map[string]*receipt.CourierBatch
	deadLetters map[string]*receipt.DeadLetterEntry // keyed by receipt_id|error_code
	dlOrder     []string
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:        make(map[string]*receipt.Receipt),
		byChain:     make(map[string][]*receipt.Receipt),
		byParent:    make(map[string][]string),
		batches:     make(map[string]*receipt.CourierBatch),
		deadLetters: make(map[string]*receipt.DeadLetterEntry),
	}
}

// Append stores r if its receipt_id is new. If the id already exists
// the stored record is returned with existed=true and nothing changes;
// retries with the same receipt_id are therefore safe. A sequence
// number collision within the chain returns ErrChainConflict.
func (m *Memory) Append(_ context.Context, r *receipt.Receipt) (*receipt.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[r.ReceiptID]; ok {
		return copyReceipt(existing), true, nil
	}
	for _, c := range m.byChain[r.ChainID] {
		if c.SequenceNo == r.SequenceNo {
			return nil, false, ErrChainConflict
		}
	}

	stored := copyReceipt(r)
	stored.StoredAt = time.Now().UTC()
	if stored.RetentionState == "" {
		stored.RetentionState = receipt.RetentionActive
	}

	m.byID[stored.ReceiptID] = stored
	chain := append(m.byChain[stored.ChainID], stored)
	sort.Slice(chain, func(i, j int) bool { return chain[i].SequenceNo < chain[j].SequenceNo })
	m.byChain[stored.ChainID] = chain
	if stored.ParentReceiptID != "" {
		m.byParent[stored.ParentReceiptID] = append(m.byParent[stored.ParentReceiptID], stored.ReceiptID)
	}
	return copyReceipt(stored), false, nil
}

// GetByID retrieves a receipt by its globally unique id.
func (m *Memory) GetByID(_ context.Context, receiptID string) (*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReceipt(r), nil
}

// ChainHead implements hashchain.HeadSource.
func (m *Memory) ChainHead(_ context.Context, chainID string) (*hashchain.Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.byChain[chainID]
	if len(chain) == 0 {
		return nil, nil
	}
	tip := chain[len(chain)-1]
	return &hashchain.Head{SequenceNo: tip.SequenceNo, Hash: tip.Hash}, nil
}

// ListChainRange returns the receipts of chainID with sequence numbers
// in [fromSeq, toSeq], ordered ascending. Missing sequence numbers are
// simply absent; range verification detects them as gaps.
func (m *Memory) ListChainRange(_ context.Context, chainID string, fromSeq, toSeq int64) ([]*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*receipt.Receipt
	for _, r := range m.byChain[chainID] {
		if r.SequenceNo >= fromSeq && r.SequenceNo <= toSeq {
			out = append(out, copyReceipt(r))
		}
	}
	return out, nil
}

// ListByParent returns ids of receipts naming parentID as their parent.
func (m *Memory) ListByParent(_ context.Context, parentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.byParent[parentID]...), nil
}

// Search returns one page of receipts matching scope and filter,
// ordered by (event_date, sequence_no, receipt_id).
func (m *Memory) Search(_ context.Context, scope Scope, f Filter, cursor *Cursor, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var all []*receipt.Receipt
	for _, r := range m.byID {
		if matches(r, scope, f) {
			all = append(all, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.EventDate != b.EventDate {
			return a.EventDate < b.EventDate
		}
		if a.SequenceNo != b.SequenceNo {
			return a.SequenceNo < b.SequenceNo
		}
		return a.ReceiptID < b.ReceiptID
	})

	page := &Page{}
	for _, r := range all {
		if cursor != nil && !cursor.after(r) {
			continue
		}
		if len(page.Receipts) == limit {
			page.HasMore = true
			break
		}
		page.Receipts = append(page.Receipts, copyReceipt(r))
	}
	if page.HasMore {
		last := page.Receipts[len(page.Receipts)-1]
		page.NextCursor = EncodeCursor(&Cursor{
			EventDate:  last.EventDate,
			SequenceNo: last.SequenceNo,
			ReceiptID:  last.ReceiptID,
		})
	}
	return page, nil
}

// Aggregate counts receipts per (time bucket, dimension value). bucket
// selects the granularity; empty means daily.
func (m *Memory) Aggregate(_ context.Context, scope Scope, f Filter, dimension, bucket string) ([]AggregateRow, error) {
	if !ValidBucket(bucket) {
		return nil, fmt.Errorf("invalid aggregation bucket %q", bucket)
	}
	m.mu.RLock()
	counts := make(map[string]map[string]int64)
	for _, r := range m.byID {
		if !matches(r, scope, f) {
			continue
		}
		label := bucketLabel(r.EventDate, bucket)
		if counts[label] == nil {
			counts[label] = make(map[string]int64)
		}
		counts[label][dimensionValue(r, dimension)]++
	}
	m.mu.RUnlock()

	var rows []AggregateRow
	for bucket, values := range counts {
		for value, n := range values {
			rows = append(rows, AggregateRow{Bucket: bucket, Value: value, Count: n})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Bucket != rows[j].Bucket {
			return rows[i].Bucket < rows[j].Bucket
		}
		return rows[i].Value < rows[j].Value
	})
	return rows, nil
}

// MarkRetentionState flips a receipt's retention state. Content, hash,
// and signature are untouched.
func (m *Memory) MarkRetentionState(_ context.Context, receiptID string, state receipt.RetentionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return ErrNotFound
	}
	r.RetentionState = state
	return nil
}

// SetLegalHold sets or clears a receipt's legal hold flag.
func (m *Memory) SetLegalHold(_ context.Context, receiptID string, hold bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return ErrNotFound
	}
	r.LegalHold = hold
	return nil
}

// Partitions lists every (tenant, event_date) segment with its record count.
func (m *Memory) Partitions(_ context.Context) ([]Partition, error) {
	m.mu.RLock()
	counts := make(map[Partition]int)
	for _, r := range m.byID {
		key := Partition{TenantID: r.TenantID, EventDate: r.EventDate}
		counts[key]++
	}
	m.mu.RUnlock()

	var out []Partition
	for p, n := range counts {
		p.Count = n
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].EventDate < out[j].EventDate
	})
	return out, nil
}

// ListPartition returns the receipts of one storage segment.
func (m *Memory) ListPartition(_ context.Context, tenantID, eventDate string) ([]*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*receipt.Receipt
	for _, r := range m.byID {
		if r.TenantID == tenantID && r.EventDate == eventDate {
			out = append(out, copyReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

// SaveDeadLetter records a rejected ingestion attempt. A repeat of the
// same receipt_id and error code increments the retry count and bumps
// last_seen instead of creating a new entry.
func (m *Memory) SaveDeadLetter(_ context.Context, e *receipt.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.ReceiptID + "|" + string(e.ErrorCode)
	if existing, ok := m.deadLetters[key]; ok && e.ReceiptID != "" {
		existing.RetryCount++
		existing.LastSeen = e.LastSeen
		return nil
	}
	cp := *e
	m.deadLetters[key] = &cp
	m.dlOrder = append(m.dlOrder, key)
	return nil
}

// ListDeadLetters returns dead-letter entries, oldest first, optionally
// restricted to one tenant.
func (m *Memory) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]*receipt.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*receipt.DeadLetterEntry
	for _, key := range m.dlOrder {
		e, ok := m.deadLetters[key]
		if !ok {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// PurgeDeadLetters removes entries whose retention countdown has expired.
func (m *Memory) PurgeDeadLetters(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, e := range m.deadLetters {
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now) {
			delete(m.deadLetters, key)
			purged++
		}
	}
	return purged, nil
}

// SaveBatch stores courier batch metadata.
func (m *Memory) SaveBatch(_ context.Context, b *receipt.CourierBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.StoredAt = time.Now().UTC()
	m.batches[b.BatchID] = &cp
	return nil
}

// GetBatch retrieves courier batch metadata by id.
func (m *Memory) GetBatch(_ context.Context, batchID string) (*receipt.CourierBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// Tamper mutates a stored receipt in place, bypassing the append-only
// contract. It exists solely so integrity tests can simulate
// out-of-band corruption; nothing in the service layer calls it.
func (m *Memory) Tamper(receiptID string, mutate func(*receipt.Receipt)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return false
	}
	mutate(r)
	return true
}

// copyReceipt returns a defensive copy so callers can never mutate the
// stored record through a returned pointer.
func copyReceipt(r *receipt.Receipt) *receipt.Receipt {
	cp := *r
	if r.Payload != nil {
		cp.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	if r.RelatedReceiptIDs != nil {
		cp.RelatedReceiptIDs = append([]string(nil), r.RelatedReceiptIDs...)
	}
	return &cp
}
