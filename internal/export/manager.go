// Package export runs long-running export jobs in the background.
// Dataset size is unbounded, so an export never holds a request thread:
// callers start a job, poll its status, and download the artifact when
// it completes. Jobs are cancellable and checkpoint the last completed
// cursor, so partial progress is safe to resume from.
package export

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// Format selects the export serialization.
type Format string

const (
	// FormatNDJSON writes one JSON object per line.
	FormatNDJSON Format = "ndjson"
	// FormatCSV writes delimited text with a header row.
	FormatCSV Format = "csv"
	// FormatColumnar writes a single JSON object with one array per
	// column, suitable for offline analytical loading.
	FormatColumnar Format = "columnar"
)

// ParseFormat validates a format string, defaulting to NDJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatNDJSON, FormatCSV, FormatColumnar:
		return Format(s), nil
	case "":
		return FormatNDJSON, nil
	}
	return "", fmt.Errorf("invalid export format %q", s)
}

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request describes one export. Cursor, when set, resumes a previous
// job from its last checkpoint instead of starting at the beginning.
type Request struct {
	Scope    store.Scope
	Filter   store.Filter
	Format   Format
	Compress bool
	Cursor   string
}

// Job is the observable state of one export.
type Job struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Format      Format    `json:"format"`
	Compressed  bool      `json:"compressed"`
	RowCount    int64     `json:"row_count"`
	Cursor      string    `json:"cursor,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	path   string
	cancel context.CancelFunc
}

// exportStore is the paging read interface exports consume.
type exportStore interface {
	Search(ctx context.Context, scope store.Scope, f store.Filter, cursor *store.Cursor, limit int) (*store.Page, error)
}

// Config tunes the export manager.
type Config struct {
	// Dir is where artifacts are written; defaults to the OS temp dir.
	Dir string
	// PageSize bounds each store read.
	PageSize int
	// JobTimeout bounds a single job's runtime.
	JobTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.PageSize == 0 {
		c.PageSize = 500
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = time.Hour
	}
}

// Manager starts, tracks, and serves export jobs.
type Manager struct {
	store  exportStore
	guard  *audit.Guard
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// New creates an export Manager.
func New(st exportStore, guard *audit.Guard, cfg Config, logger *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		store:  st,
		guard:  guard,
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

// Start authorizes and launches an export job, returning immediately
// with its id.
func (m *Manager) Start(ctx context.Context, caller audit.Caller, req Request) (*Job, error) {
	if _, err := store.DecodeCursor(req.Cursor); err != nil {
		return nil, receipt.NewError(receipt.ErrCodeValidation, "invalid cursor")
	}
	done, err := m.guard.Authorize(ctx, caller, req.Scope, "export", fmt.Sprintf("format=%s", req.Format))
	if err != nil {
		return nil, err
	}

	if req.Format == "" {
		req.Format = FormatNDJSON
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	job := &Job{
		ID:         uuid.New().String(),
		Status:     StatusRunning,
		Format:     req.Format,
		Compressed: req.Compress,
		CreatedAt:  time.Now().UTC(),
		path:       filepath.Join(m.cfg.Dir, "export-"+uuid.New().String()),
		cancel:     cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.run(jobCtx, job, req, done)
	return m.snapshot(job), nil
}

// Get returns a job's current state.
func (m *Manager) Get(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.snapshotLocked(job), nil
}

// Cancel stops a running job. Progress up to the last checkpointed
// cursor is preserved in the job state.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status == StatusRunning {
		job.cancel()
		job.Status = StatusCancelled
	}
	return nil
}

// Open returns the completed artifact for download.
func (m *Manager) Open(jobID string) (io.ReadCloser, error) {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != StatusCompleted {
		return nil, fmt.Errorf("export %s is %s, not completed", jobID, job.Status)
	}
	return os.Open(job.path)
}

func (m *Manager) run(ctx context.Context, job *Job, req Request, done func(int)) {
	defer job.cancel()

	rows, err := m.write(ctx, job, req)

	m.mu.Lock()
	job.RowCount = rows
	switch {
	case ctx.Err() != nil && job.Status == StatusCancelled:
		// Cancel already set the state.
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
	default:
		job.Status = StatusCompleted
	}
	job.CompletedAt = time.Now().UTC()
	m.mu.Unlock()

	done(int(rows))
	m.logger.Info("export finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int64("rows", rows),
	)
}

func (m *Manager) write(ctx context.Context, job *Job, req Request) (int64, error) {
	f, err := os.Create(job.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if req.Compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	enc, err := newEncoder(w, req.Format)
	if err != nil {
		return 0, err
	}

	var rows int64
	// A request carrying a checkpoint from an earlier job picks up
	// right after the last fully exported page.
	cursor, err := store.DecodeCursor(req.Cursor)
	if err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		page, err := m.store.Search(ctx, req.Scope, req.Filter, cursor, m.cfg.PageSize)
		if err != nil {
			return rows, err
		}
		for _, r := range page.Receipts {
			if err := enc.writeRow(r); err != nil {
				return rows, err
			}
			rows++
		}

		// Checkpoint after each fully written page so a cancelled or
		// failed job can resume from here.
		m.mu.Lock()
		job.Cursor = page.NextCursor
		m.mu.Unlock()

		if !page.HasMore {
			break
		}
		cursor, err = store.DecodeCursor(page.NextCursor)
		if err != nil {
			return rows, err
		}
	}

	if err := enc.flush(); err != nil {
		return rows, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func (m *Manager) snapshot(job *Job) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(job)
}

func (m *Manager) snapshotLocked(job *Job) *Job {
	cp := *job
	cp.cancel = nil
	return &cp
}

// rowEncoder abstracts the three artifact formats.
type rowEncoder interface {
	writeRow(r *receipt.Receipt) error
	flush() error
}

func newEncoder(w io.Writer, format Format) (rowEncoder, error) {
	switch format {
	case FormatNDJSON, "":
		return &ndjsonEncoder{enc: json.NewEncoder(w)}, nil
	case FormatCSV:
		c := csv.NewWriter(w)
		if err := c.Write(csvHeader); err != nil {
			return nil, err
		}
		return &csvEncoder{w: c}, nil
	case FormatColumnar:
		return &columnarEncoder{w: w, columns: make(map[string][]any)}, nil
	}
	return nil, fmt.Errorf("invalid export format %q", format)
}

type ndjsonEncoder struct{ enc *json.Encoder }

func (e *ndjsonEncoder) writeRow(r *receipt.Receipt) error { return e.enc.Encode(r) }
func (e *ndjsonEncoder) flush() error                      { return nil }

var csvHeader = []string{
	"receipt_id", "tenant_id", "chain_id", "emitter", "timestamp", "event_date",
	"sequence_no", "prev_hash", "hash", "signer_key_id", "decision", "resource",
	"retention_state", "legal_hold",
}

type csvEncoder struct{ w *csv.Writer }

func (e *csvEncoder) writeRow(r *receipt.Receipt) error {
	return e.w.Write([]string{
		r.ReceiptID, r.TenantID, r.ChainID, r.Emitter,
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.EventDate,
		strconv.FormatInt(r.SequenceNo, 10), r.PrevHash, r.Hash, r.SignerKeyID,
		r.Decision, r.Resource, string(r.RetentionState), strconv.FormatBool(r.LegalHold),
	})
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

type columnarEncoder struct {
	w       io.Writer
	columns map[string][]any
}

func (e *columnarEncoder) writeRow(r *receipt.Receipt) error {
	add := func(col string, v any) { e.columns[col] = append(e.columns[col], v) }
	add("receipt_id", r.ReceiptID)
	add("tenant_id", r.TenantID)
	add("chain_id", r.ChainID)
	add("emitter", r.Emitter)
	add("timestamp", r.Timestamp.UTC().Format(time.RFC3339Nano))
	add("event_date", r.EventDate)
	add("sequence_no", r.SequenceNo)
	add("hash", r.Hash)
	add("decision", r.Decision)
	add("resource", r.Resource)
	return nil
}

func (e *columnarEncoder) flush() error {
	return json.NewEncoder(e.w).Encode(e.columns)
}
