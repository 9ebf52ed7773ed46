// Package store persists receipts, courier batches, and dead-letter
// entries. Two implementations are provided:
//
//   - Memory: in-process, for testing and development.
//   - Postgres: durable, for production use.
//
// The public contract is append-only: there is no update or delete for
// receipt content. Retention transitions go through the narrow
// MarkRetentionState / SetLegalHold operations, which touch nothing but
// the lifecycle fields. Storage is partitioned by (tenant_id,
// event_date) so retention sweeps walk bounded segments.
package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evidentry/evidentry/internal/receipt"
)

// ErrNotFound is returned when no record matches the given identifier.
var ErrNotFound = errors.New("record not found")

// ErrChainConflict is returned when an append loses the race for a
// sequence number. The caller retries with a fresh link computation.
var ErrChainConflict = errors.New("chain sequence conflict")

// ErrUnavailable is returned for transient backend failures; callers
// may retry with the same receipt_id.
var ErrUnavailable = errors.New("store unavailable")

// Scope restricts reads to a set of tenants. AllTenants is only honored
// for callers holding an elevated access decision.
type Scope struct {
	TenantIDs  []string
	AllTenants bool
}

// Contains reports whether tenantID falls inside the scope.
func (s Scope) Contains(tenantID string) bool {
	if s.AllTenants {
		return true
	}
	for _, t := range s.TenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Filter narrows a search. Zero values mean "no constraint".
type Filter struct {
	From     time.Time
	To       time.Time
	ChainID  string
	Emitter  string
	Decision string
	Resource string
}

// Cursor is the keyset position of stable pagination, ordered by
// (event_date, sequence_no, receipt_id).
type Cursor struct {
	EventDate  string `json:"d"`
	SequenceNo int64  `json:"s"`
	ReceiptID  string `json:"r"`
}

// EncodeCursor renders a cursor as an opaque URL-safe token.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses an opaque cursor token. Empty input yields nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &c, nil
}

// after reports whether r sorts after the cursor position.
func (c *Cursor) after(r *receipt.Receipt) bool {
	if r.EventDate != c.EventDate {
		return r.EventDate > c.EventDate
	}
	if r.SequenceNo != c.SequenceNo {
		return r.SequenceNo > c.SequenceNo
	}
	return r.ReceiptID > c.ReceiptID
}

// Page is one slice of search results.
type Page struct {
	Receipts   []*receipt.Receipt
	NextCursor string
	HasMore    bool
}

// Partition identifies one (tenant, event_date) storage segment.
type Partition struct {
	TenantID  string
	EventDate string
	Count     int
}

// AggregateRow is one cell of an aggregation result: a time bucket, a
// dimension value, and the number of receipts in it.
type AggregateRow struct {
	Bucket string `json:"bucket"`
	Value  string `json:"value"`
	Count  int64  `json:"count"`
}

// aggregateDimensions are the standard dimensions Aggregate accepts.
var aggregateDimensions = map[string]bool{
	"chain_id": true,
	"emitter":  true,
	"decision": true,
	"resource": true,
}

// ValidDimension reports whether dim is a supported aggregation dimension.
func ValidDimension(dim string) bool {
	return aggregateDimensions[dim]
}

// aggregateBuckets are the supported time granularities.
var aggregateBuckets = map[string]bool{
	BucketDay:   true,
	BucketWeek:  true,
	BucketMonth: true,
}

// Aggregation bucket granularities. Weeks are labelled by their Monday,
// months as YYYY-MM.
const (
	BucketDay   = "day"
	BucketWeek  = "week"
	BucketMonth = "month"
)

// ValidBucket reports whether b is a supported bucket granularity.
// Empty means the daily default.
func ValidBucket(b string) bool {
	return b == "" || aggregateBuckets[b]
}

// bucketLabel folds a daily event_date into the requested granularity.
func bucketLabel(eventDate, bucket string) string {
	switch bucket {
	case BucketWeek:
		day, err := time.Parse("2006-01-02", eventDate)
		if err != nil {
			return eventDate
		}
		monday := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
		return monday.Format("2006-01-02")
	case BucketMonth:
		if len(eventDate) >= 7 {
			return eventDate[:7]
		}
	}
	return eventDate
}

func dimensionValue(r *receipt.Receipt, dim string) string {
	switch dim {
	case "chain_id":
		return r.ChainID
	case "emitter":
		return r.Emitter
	case "decision":
		return r.Decision
	case "resource":
		return r.Resource
	}
	return ""
}

func matches(r *receipt.Receipt, scope Scope, f Filter) bool {
	if !scope.Contains(r.TenantID) {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	if f.ChainID != "" && r.ChainID != f.ChainID {
		return false
	}
	if f.Emitter != "" && r.Emitter != f.Emitter {
		return false
	}
	if f.Decision != "" && r.Decision != f.Decision {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	return true
}
