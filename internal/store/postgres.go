package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/receipt"
)

// advisoryLockSpace namespaces this service's advisory lock keys so
// they cannot collide with other users of the same database.
const advisoryLockSpace = int32(0x4C44_4752) // "LDGR"

// Postgres persists the ledger to PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// chainLockKey derives a stable 32-bit advisory lock key from chainID.
// Combined with advisoryLockSpace, concurrent appends into the same
// chain serialize while distinct chains proceed in parallel.
func chainLockKey(chainID string) int32 {
	h := fnv.New32a()
	h.Write([]byte(chainID))
	return int32(h.Sum32())
}

const receiptColumns = `receipt_id, tenant_id, chain_id, plane, environment, emitter,
	payload, decision, resource, timestamp, event_date,
	sequence_no, prev_hash, hash, signature, signer_key_id,
	parent_receipt_id, related_receipt_ids,
	retention_state, legal_hold, stored_at`

// Append inserts r inside a transaction holding the chain's advisory
// lock. An existing receipt_id is returned unchanged with existed=true;
// a sequence collision surfaces as ErrChainConflict.
func (p *Postgres) Append(ctx context.Context, r *receipt.Receipt) (*receipt.Receipt, bool, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped advisory lock, released at commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)",
		advisoryLockSpace, chainLockKey(r.ChainID)); err != nil {
		return nil, false, unavailable("acquire chain lock", err)
	}

	if existing, err := p.getByIDTx(ctx, tx, r.ReceiptID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	state := r.RetentionState
	if state == "" {
		state = receipt.RetentionActive
	}
	storedAt := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16,
		        $17, $18,
		        $19, $20, $21)`,
		r.ReceiptID, r.TenantID, r.ChainID, r.Plane, r.Environment, r.Emitter,
		payload, r.Decision, r.Resource, r.Timestamp.UTC(), r.EventDate,
		r.SequenceNo, r.PrevHash, r.Hash, r.Signature, r.SignerKeyID,
		r.ParentReceiptID, r.RelatedReceiptIDs,
		state, r.LegalHold, storedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation on (chain_id, sequence_no): the link
			// computation lost a race. Detectable, never silent.
			return nil, false, ErrChainConflict
		}
		return nil, false, unavailable("insert receipt", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit append", err)
	}

	stored := *r
	stored.RetentionState = state
	stored.StoredAt = storedAt
	p.logger.Debug("receipt appended",
		zap.String("receipt_id", r.ReceiptID),
		zap.String("chain_id", r.ChainID),
		zap.Int64("sequence_no", r.SequenceNo),
	)
	return &stored, false, nil
}

// GetByID retrieves a receipt by its globally unique id.
func (p *Postgres) GetByID(ctx context.Context, receiptID string) (*receipt.Receipt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_id = $1`, receiptID)
	if err != nil {
		return nil, unavailable("get receipt", err)
	}
	defer rows.Close()
	return scanOne(rows)
}

func (p *Postgres) getByIDTx(ctx context.Context, tx pgx.Tx, receiptID string) (*receipt.Receipt, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_id = $1`, receiptID)
	if err != nil {
		return nil, unavailable("get receipt", err)
	}
	defer rows.Close()
	return scanOne(rows)
}

// ChainHead implements hashchain.HeadSource.
func (p *Postgres) ChainHead(ctx context.Context, chainID string) (*hashchain.Head, error) {
	var head hashchain.Head
	err := p.pool.QueryRow(ctx,
		`SELECT sequence_no, hash FROM receipts
		 WHERE chain_id = $1 ORDER BY sequence_no DESC LIMIT 1`, chainID,
	).Scan(&head.SequenceNo, &head.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read chain head", err)
	}
	return &head, nil
}

// ListChainRange streams the receipts of chainID with sequence numbers
// in [fromSeq, toSeq], ordered ascending.
func (p *Postgres) ListChainRange(ctx context.Context, chainID string, fromSeq, toSeq int64) ([]*receipt.Receipt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE chain_id = $1 AND sequence_no BETWEEN $2 AND $3
		 ORDER BY sequence_no ASC`, chainID, fromSeq, toSeq)
	if err != nil {
		return nil, unavailable("list chain range", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListByParent returns ids of receipts naming parentID as their parent.
func (p *Postgres) ListByParent(ctx context.Context, parentID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT receipt_id FROM receipts WHERE parent_receipt_id = $1 ORDER BY sequence_no`, parentID)
	if err != nil {
		return nil, unavailable("list by parent", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search returns one page of receipts matching scope and filter,
// ordered by (event_date, sequence_no, receipt_id).
func (p *Postgres) Search(ctx context.Context, scope Scope, f Filter, cursor *Cursor, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !scope.AllTenants {
		where = append(where, fmt.Sprintf("tenant_id = ANY(%s)", arg(scope.TenantIDs)))
	}
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("timestamp >= %s", arg(f.From.UTC())))
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("timestamp < %s", arg(f.To.UTC())))
	}
	if f.ChainID != "" {
		where = append(where, fmt.Sprintf("chain_id = %s", arg(f.ChainID)))
	}
	if f.Emitter != "" {
		where = append(where, fmt.Sprintf("emitter = %s", arg(f.Emitter)))
	}
	if f.Decision != "" {
		where = append(where, fmt.Sprintf("decision = %s", arg(f.Decision)))
	}
	if f.Resource != "" {
		where = append(where, fmt.Sprintf("resource = %s", arg(f.Resource)))
	}
	if cursor != nil {
		where = append(where, fmt.Sprintf("(event_date, sequence_no, receipt_id) > (%s, %s, %s)",
			arg(cursor.EventDate), arg(cursor.SequenceNo), arg(cursor.ReceiptID)))
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_date, sequence_no, receipt_id LIMIT %s", arg(limit+1))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("search receipts", err)
	}
	defer rows.Close()

	receipts, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	page := &Page{Receipts: receipts}
	if len(receipts) > limit {
		page.Receipts = receipts[:limit]
		page.HasMore = true
		last := page.Receipts[limit-1]
		page.NextCursor = EncodeCursor(&Cursor{
			EventDate:  last.EventDate,
			SequenceNo: last.SequenceNo,
			ReceiptID:  last.ReceiptID,
		})
	}
	return page, nil
}

// Aggregate counts receipts per (time bucket, dimension value).
// dimension and bucket must pass their whitelist checks; both are
// interpolated into the GROUP BY after that, never from raw caller
// input.
func (p *Postgres) Aggregate(ctx context.Context, scope Scope, f Filter, dimension, bucket string) ([]AggregateRow, error) {
	if !ValidDimension(dimension) {
		return nil, fmt.Errorf("invalid aggregation dimension %q", dimension)
	}
	if !ValidBucket(bucket) {
		return nil, fmt.Errorf("invalid aggregation bucket %q", bucket)
	}

	bucketExpr := "event_date"
	switch bucket {
	case BucketWeek:
		bucketExpr = `to_char(date_trunc('week', event_date::date), 'YYYY-MM-DD')`
	case BucketMonth:
		bucketExpr = `substring(event_date from 1 for 7)`
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !scope.AllTenants {
		where = append(where, fmt.Sprintf("tenant_id = ANY(%s)", arg(scope.TenantIDs)))
	}
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("timestamp >= %s", arg(f.From.UTC())))
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("timestamp < %s", arg(f.To.UTC())))
	}

	query := fmt.Sprintf(`SELECT %s, COALESCE(%s, ''), COUNT(*) FROM receipts`, bucketExpr, dimension)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" GROUP BY %s, %s ORDER BY %s, %s", bucketExpr, dimension, bucketExpr, dimension)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("aggregate receipts", err)
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.Bucket, &row.Value, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkRetentionState flips a receipt's retention state; content, hash,
// and signature columns are never touched by this statement.
func (p *Postgres) MarkRetentionState(ctx context.Context, receiptID string, state receipt.RetentionState) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE receipts SET retention_state = $2 WHERE receipt_id = $1`, receiptID, state)
	if err != nil {
		return unavailable("mark retention state", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLegalHold sets or clears a receipt's legal hold flag.
func (p *Postgres) SetLegalHold(ctx context.Context, receiptID string, hold bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE receipts SET legal_hold = $2 WHERE receipt_id = $1`, receiptID, hold)
	if err != nil {
		return unavailable("set legal hold", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Partitions lists every (tenant, event_date) segment with its count.
func (p *Postgres) Partitions(ctx context.Context) ([]Partition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant_id, event_date, COUNT(*) FROM receipts
		 GROUP BY tenant_id, event_date ORDER BY tenant_id, event_date`)
	if err != nil {
		return nil, unavailable("list partitions", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var part Partition
		if err := rows.Scan(&part.TenantID, &part.EventDate, &part.Count); err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

// ListPartition returns the receipts of one storage segment.
func (p *Postgres) ListPartition(ctx context.Context, tenantID, eventDate string) ([]*receipt.Receipt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE tenant_id = $1 AND event_date = $2 ORDER BY sequence_no`, tenantID, eventDate)
	if err != nil {
		return nil, unavailable("list partition", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// SaveDeadLetter upserts a rejected ingestion attempt, incrementing the
// retry count when the same receipt_id fails the same way again.
func (p *Postgres) SaveDeadLetter(ctx context.Context, e *receipt.DeadLetterEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, receipt_id, tenant_id, payload, error_code, error_message,
			 retry_count, first_seen, last_seen, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (receipt_id, error_code) WHERE receipt_id <> ''
		DO UPDATE SET retry_count = dead_letters.retry_count + 1,
		              last_seen   = EXCLUDED.last_seen`,
		e.ID, e.ReceiptID, e.TenantID, []byte(e.Payload), e.ErrorCode, e.ErrorMessage,
		e.RetryCount, e.FirstSeen, e.LastSeen, e.ExpiresAt,
	)
	if err != nil {
		return unavailable("save dead letter", err)
	}
	return nil
}

// ListDeadLetters returns dead-letter entries, oldest first.
func (p *Postgres) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*receipt.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, receipt_id, tenant_id, payload, error_code, error_message,
		       retry_count, first_seen, last_seen, expires_at
		FROM dead_letters
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY first_seen LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	defer rows.Close()

	var out []*receipt.DeadLetterEntry
	for rows.Next() {
		var e receipt.DeadLetterEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ReceiptID, &e.TenantID, &payload, &e.ErrorCode,
			&e.ErrorMessage, &e.RetryCount, &e.FirstSeen, &e.LastSeen, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeDeadLetters removes entries whose retention countdown expired.
func (p *Postgres) PurgeDeadLetters(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE expires_at < $1`, now)
	if err != nil {
		return 0, unavailable("purge dead letters", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveBatch stores courier batch metadata.
func (p *Postgres) SaveBatch(ctx context.Context, b *receipt.CourierBatch) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO courier_batches
			(batch_id, tenant_id, producer_id, merkle_root, sequence_numbers,
			 leaf_hashes, receipt_ids, batch_time, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (batch_id) DO NOTHING`,
		b.BatchID, b.TenantID, b.ProducerID, b.MerkleRoot, b.SequenceNumbers,
		b.LeafHashes, b.ReceiptIDs, b.BatchTime.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return unavailable("save batch", err)
	}
	return nil
}

// GetBatch retrieves courier batch metadata by id.
func (p *Postgres) GetBatch(ctx context.Context, batchID string) (*receipt.CourierBatch, error) {
	var b receipt.CourierBatch
	err := p.pool.QueryRow(ctx, `
		SELECT batch_id, tenant_id, producer_id, merkle_root, sequence_numbers,
		       leaf_hashes, receipt_ids, batch_time, stored_at
		FROM courier_batches WHERE batch_id = $1`, batchID,
	).Scan(&b.BatchID, &b.TenantID, &b.ProducerID, &b.MerkleRoot, &b.SequenceNumbers,
		&b.LeafHashes, &b.ReceiptIDs, &b.BatchTime, &b.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get batch", err)
	}
	return &b, nil
}

// scanOne reads a single receipt from a query expected to return at
// most one row.
func scanOne(rows pgx.Rows) (*receipt.Receipt, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanReceipt(rows)
}

func scanAll(rows pgx.Rows) ([]*receipt.Receipt, error) {
	var out []*receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanReceipt reads one receipt row; column order matches receiptColumns.
func scanReceipt(rows pgx.Rows) (*receipt.Receipt, error) {
	var r receipt.Receipt
	var payload []byte
	err := rows.Scan(
		&r.ReceiptID, &r.TenantID, &r.ChainID, &r.Plane, &r.Environment, &r.Emitter,
		&payload, &r.Decision, &r.Resource, &r.Timestamp, &r.EventDate,
		&r.SequenceNo, &r.PrevHash, &r.Hash, &r.Signature, &r.SignerKeyID,
		&r.ParentReceiptID, &r.RelatedReceiptIDs,
		&r.RetentionState, &r.LegalHold, &r.StoredAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		// UseNumber keeps payload numbers in their stored text face, so
		// canonical bytes recomputed from a scanned receipt match the
		// bytes that were hashed at ingestion.
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &r, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
