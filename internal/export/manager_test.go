package export_test

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/export"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

func seedReceipt(t *testing.T, m *store.Memory, id, tenant string, seq int64) {
	t.Helper()
	ts := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute)
	rec := &receipt.Receipt{
		ReceiptID:   id,
		TenantID:    tenant,
		ChainID:     receipt.DeriveChainID(tenant, "control", "prod", "svc-a"),
		Plane:       "control",
		Environment: "prod",
		Emitter:     "svc-a",
		Payload:     map[string]any{"n": id},
		Timestamp:   ts,
		EventDate:   receipt.DeriveEventDate(ts),
		SequenceNo:  seq,
		Hash:        "hash-" + id,
		Signature:   "sig",
		SignerKeyID: "k",
	}
	if _, _, err := m.Append(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newManager(t *testing.T, m *store.Memory, pageSize int) *export.Manager {
	t.Helper()
	guard := audit.NewGuard(audit.NewRoleDecider(), nil, time.Second)
	return export.New(m, guard, export.Config{Dir: t.TempDir(), PageSize: pageSize}, zap.NewNop())
}

func waitJob(t *testing.T, mgr *export.Manager, jobID string) *export.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mgr.Get(jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status != export.StatusRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("export job did not finish in time")
	return nil
}

func readArtifact(t *testing.T, mgr *export.Manager, jobID string, compressed bool) []byte {
	t.Helper()
	rc, err := mgr.Open(jobID)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer rc.Close()
	var r io.Reader = rc
	if compressed {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return data
}

func TestExportNDJSON(t *testing.T) {
	m := store.NewMemory()
	for i := 1; i <= 5; i++ {
		seedReceipt(t, m, fmt.Sprintf("r-%d", i), "acme", int64(i))
	}
	mgr := newManager(t, m, 2)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  store.Scope{TenantIDs: []string{"acme"}},
		Format: export.FormatNDJSON,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	final := waitJob(t, mgr, job.ID)
	if final.Status != export.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}
	if final.RowCount != 5 {
		t.Errorf("expected 5 rows, got %d", final.RowCount)
	}

	sc := bufio.NewScanner(strings.NewReader(string(readArtifact(t, mgr, job.ID, false))))
	lines := 0
	for sc.Scan() {
		var row map[string]any
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if row["receipt_id"] == "" {
			t.Errorf("line %d missing receipt_id", lines)
		}
		lines++
	}
	if lines != 5 {
		t.Fatalf("expected 5 lines, got %d", lines)
	}
}

func TestExportCSV(t *testing.T) {
	m := store.NewMemory()
	seedReceipt(t, m, "r-1", "acme", 1)
	mgr := newManager(t, m, 10)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  store.Scope{TenantIDs: []string{"acme"}},
		Format: export.FormatCSV,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	if final := waitJob(t, mgr, job.ID); final.Status != export.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}

	lines := strings.Split(strings.TrimSpace(string(readArtifact(t, mgr, job.ID, false))), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "receipt_id,tenant_id,chain_id") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "r-1,acme,") {
		t.Errorf("unexpected row %q", lines[1])
	}
}

func TestExportColumnar(t *testing.T) {
	m := store.NewMemory()
	for i := 1; i <= 3; i++ {
		seedReceipt(t, m, fmt.Sprintf("r-%d", i), "acme", int64(i))
	}
	mgr := newManager(t, m, 10)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  store.Scope{TenantIDs: []string{"acme"}},
		Format: export.FormatColumnar,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	if final := waitJob(t, mgr, job.ID); final.Status != export.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}

	var columns map[string][]any
	if err := json.Unmarshal(readArtifact(t, mgr, job.ID, false), &columns); err != nil {
		t.Fatalf("decode columnar artifact: %v", err)
	}
	if len(columns["receipt_id"]) != 3 || len(columns["sequence_no"]) != 3 {
		t.Fatalf("expected 3 values per column, got %d/%d", len(columns["receipt_id"]), len(columns["sequence_no"]))
	}
}

func TestExportCompressed(t *testing.T) {
	m := store.NewMemory()
	seedReceipt(t, m, "r-1", "acme", 1)
	mgr := newManager(t, m, 10)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:    store.Scope{TenantIDs: []string{"acme"}},
		Format:   export.FormatNDJSON,
		Compress: true,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	if final := waitJob(t, mgr, job.ID); final.Status != export.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}

	data := readArtifact(t, mgr, job.ID, true)
	if !strings.Contains(string(data), `"receipt_id":"r-1"`) {
		t.Fatalf("decompressed artifact missing row: %q", data)
	}
}

func TestExportScopeIsolation(t *testing.T) {
	m := store.NewMemory()
	seedReceipt(t, m, "r-acme", "acme", 1)
	seedReceipt(t, m, "r-globex", "globex", 1)
	mgr := newManager(t, m, 10)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  store.Scope{TenantIDs: []string{"acme"}},
		Format: export.FormatNDJSON,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	final := waitJob(t, mgr, job.ID)
	if final.RowCount != 1 {
		t.Fatalf("expected only acme's row, got %d", final.RowCount)
	}
	if strings.Contains(string(readArtifact(t, mgr, job.ID, false)), "r-globex") {
		t.Error("foreign tenant row leaked into export")
	}
}

func TestExportResumesFromCursor(t *testing.T) {
	m := store.NewMemory()
	for i := 1; i <= 5; i++ {
		seedReceipt(t, m, fmt.Sprintf("r-%d", i), "acme", int64(i))
	}
	mgr := newManager(t, m, 2)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}
	scope := store.Scope{TenantIDs: []string{"acme"}}

	// Take the checkpoint a partial job would have left behind: the
	// cursor after the first page of two rows.
	page, err := m.Search(context.Background(), scope, store.Filter{}, nil, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	job, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  scope,
		Format: export.FormatNDJSON,
		Cursor: page.NextCursor,
	})
	if err != nil {
		t.Fatalf("start export: %v", err)
	}
	final := waitJob(t, mgr, job.ID)
	if final.Status != export.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}
	if final.RowCount != 3 {
		t.Fatalf("expected the 3 remaining rows, got %d", final.RowCount)
	}
	artifact := string(readArtifact(t, mgr, job.ID, false))
	if strings.Contains(artifact, `"receipt_id":"r-1"`) || strings.Contains(artifact, `"receipt_id":"r-2"`) {
		t.Error("resumed export re-emitted rows before the checkpoint")
	}
	if !strings.Contains(artifact, `"receipt_id":"r-3"`) || !strings.Contains(artifact, `"receipt_id":"r-5"`) {
		t.Errorf("resumed export missing rows after the checkpoint: %q", artifact)
	}
}

func TestExportRejectsMalformedCursor(t *testing.T) {
	mgr := newManager(t, store.NewMemory(), 10)
	_, err := mgr.Start(context.Background(), audit.Caller{Subject: "alice", TenantID: "acme"}, export.Request{
		Scope:  store.Scope{TenantIDs: []string{"acme"}},
		Cursor: "not-a-cursor",
	})
	if ie, ok := receipt.AsIngestError(err); !ok || ie.Code != receipt.ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestExportDeniedOutsideScope(t *testing.T) {
	mgr := newManager(t, store.NewMemory(), 10)
	caller := audit.Caller{Subject: "alice", TenantID: "acme"}

	_, err := mgr.Start(context.Background(), caller, export.Request{
		Scope:  store.Scope{AllTenants: true},
		Format: export.FormatNDJSON,
	})
	if ie, ok := receipt.AsIngestError(err); !ok || ie.Code != receipt.ErrCodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}
}

func TestExportUnknownJob(t *testing.T) {
	mgr := newManager(t, store.NewMemory(), 10)
	if _, err := mgr.Get("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Cancel("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancel: expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.Open("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("open: expected ErrNotFound, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := export.ParseFormat(""); err != nil || f != export.FormatNDJSON {
		t.Errorf("empty format: expected ndjson default, got %q %v", f, err)
	}
	if _, err := export.ParseFormat("parquet"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
