// Package client is the Evidentry Go SDK for submitting receipts and
// querying the ledger over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Receipt is the wire shape of a ledger receipt.
type Receipt struct {
	ReceiptID         string         `json:"receipt_id"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Plane             string         `json:"plane"`
	Environment       string         `json:"environment"`
	Emitter           string         `json:"emitter"`
	Payload           map[string]any `json:"payload,omitempty"`
	Decision          string         `json:"decision,omitempty"`
	Resource          string         `json:"resource,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	ChainID           string         `json:"chain_id,omitempty"`
	SequenceNo        int64          `json:"sequence_no,omitempty"`
	PrevHash          string         `json:"prev_hash,omitempty"`
	Hash              string         `json:"hash,omitempty"`
	Signature         string         `json:"signature,omitempty"`
	SignerKeyID       string         `json:"signer_key_id"`
	ParentReceiptID   string         `json:"parent_receipt_id,omitempty"`
	RelatedReceiptIDs []string       `json:"related_receipt_ids,omitempty"`
	RetentionState    string         `json:"retention_state,omitempty"`
	LegalHold         bool           `json:"legal_hold,omitempty"`
}

// IngestResult is the acknowledgement for a single accepted receipt.
type IngestResult struct {
	ReceiptID  string `json:"receipt_id"`
	ChainID    string `json:"chain_id"`
	SequenceNo int64  `json:"sequence_no"`
	Hash       string `json:"hash"`
}

// BatchRequest is a pre-signed courier batch.
type BatchRequest struct {
	BatchID    string            `json:"batch_id"`
	ProducerID string            `json:"producer_id"`
	MerkleRoot string            `json:"merkle_root"`
	BatchTime  time.Time         `json:"batch_time"`
	Receipts   []json.RawMessage `json:"receipts"`
}

// BatchResult reports per-receipt batch outcomes.
type BatchResult struct {
	BatchID    string `json:"batch_id"`
	MerkleRoot string `json:"merkle_root"`
	Receipts   []struct {
		ReceiptID  string `json:"receipt_id"`
		Accepted   bool   `json:"accepted"`
		Duplicate  bool   `json:"duplicate,omitempty"`
		SequenceNo int64  `json:"sequence_no,omitempty"`
		ErrorCode  string `json:"error_code,omitempty"`
		Message    string `json:"message,omitempty"`
	} `json:"receipts"`
}

// Proof is a Merkle inclusion proof for one receipt of a batch.
type Proof struct {
	BatchID   string `json:"batch_id"`
	ReceiptID string `json:"receipt_id"`
	LeafHash  string `json:"leaf_hash"`
	LeafIndex int    `json:"leaf_index"`
	Siblings  []struct {
		Hash string `json:"hash"`
		Left bool   `json:"left"`
	} `json:"siblings"`
	Root string `json:"merkle_root"`
}

// SearchRequest filters a paginated receipt search.
type SearchRequest struct {
	Scope     ScopeSpec `json:"scope"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	ChainID   string    `json:"chain_id,omitempty"`
	Emitter   string    `json:"emitter,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Dimension string    `json:"dimension,omitempty"`
	Bucket    string    `json:"bucket,omitempty"`
}

// ScopeSpec selects the tenants a read applies to. Empty means the
// caller's own tenant.
type ScopeSpec struct {
	TenantIDs  []string `json:"tenant_ids,omitempty"`
	AllTenants bool     `json:"all_tenants,omitempty"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Receipts   []*Receipt `json:"receipts"`
	NextCursor string     `json:"next_cursor"`
	HasMore    bool       `json:"has_more"`
}

// AggregateResult holds grouped daily counts.
type AggregateResult struct {
	Dimension string `json:"dimension"`
	Rows      []struct {
		Bucket string `json:"bucket"`
		Value  string `json:"value"`
		Count  int64  `json:"count"`
	} `json:"rows"`
	RowCount int `json:"row_count"`
}

// VerifyResult reports a single-receipt integrity check.
type VerifyResult struct {
	ReceiptID      string `json:"receipt_id"`
	HashValid      bool   `json:"hash_valid"`
	SignatureValid bool   `json:"signature_valid"`
	Detail         string `json:"detail,omitempty"`
}

// RangeVerifyResult reports a chain segment integrity check.
type RangeVerifyResult struct {
	ChainID      string `json:"chain_id"`
	FromSeq      int64  `json:"from_seq"`
	ToSeq        int64  `json:"to_seq"`
	Valid        bool   `json:"valid"`
	OffendingSeq int64  `json:"offending_seq,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Checked      int    `json:"checked"`
}

// ExportJob is the observable state of a background export.
type ExportJob struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Format      string    `json:"format"`
	Compressed  bool      `json:"compressed"`
	RowCount    int64     `json:"row_count"`
	Cursor      string    `json:"cursor,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ExportRequest starts a background export.
type ExportRequest struct {
	Scope    ScopeSpec `json:"scope"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	ChainID  string    `json:"chain_id,omitempty"`
	Emitter  string    `json:"emitter,omitempty"`
	Format   string    `json:"format,omitempty"`
	Compress bool      `json:"compress,omitempty"`
	Cursor   string    `json:"cursor,omitempty"`
}

// APIError is a structured error response from the ledger.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Client is the Evidentry SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a caller token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client connected to the ledger at base.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IngestReceipt submits one pre-signed receipt.
func (c *Client) IngestReceipt(ctx context.Context, raw json.RawMessage) (*IngestResult, error) {
	var out IngestResult
	if err := c.postJSON(ctx, "/api/v1/receipts", raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestBatch submits a courier batch.
func (c *Client) IngestBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	var out BatchResult
	if err := c.postJSON(ctx, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProof fetches the Merkle inclusion proof for a batch receipt.
func (c *Client) GetProof(ctx context.Context, batchID, receiptID string) (*Proof, error) {
	var out Proof
	path := "/api/v1/batches/" + url.PathEscape(batchID) + "/proof/" + url.PathEscape(receiptID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReceipt fetches one receipt by id.
func (c *Client) GetReceipt(ctx context.Context, receiptID string) (*Receipt, error) {
	var out Receipt
	if err := c.getJSON(ctx, "/api/v1/receipts/"+url.PathEscape(receiptID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a filtered, cursor-paginated receipt search.
func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchPage, error) {
	var out SearchPage
	if err := c.postJSON(ctx, "/api/v1/receipts/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Aggregate fetches daily counts grouped by a dimension.
func (c *Client) Aggregate(ctx context.Context, req *SearchRequest) (*AggregateResult, error) {
	var out AggregateResult
	if err := c.postJSON(ctx, "/api/v1/aggregate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyReceipt checks one stored receipt's hash and signature.
func (c *Client) VerifyReceipt(ctx context.Context, receiptID string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.getJSON(ctx, "/api/v1/receipts/"+url.PathEscape(receiptID)+"/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain checks the linkage of a chain segment.
func (c *Client) VerifyChain(ctx context.Context, chainID string, from, to int64) (*RangeVerifyResult, error) {
	var out RangeVerifyResult
	path := "/api/v1/chains/" + url.PathEscape(chainID) + "/verify?from=" +
		strconv.FormatInt(from, 10) + "&to=" + strconv.FormatInt(to, 10)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartExport launches a background export job.
func (c *Client) StartExport(ctx context.Context, req *ExportRequest) (*ExportJob, error) {
	var out ExportJob
	if err := c.postJSON(ctx, "/api/v1/exports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportStatus fetches an export job's current state.
func (c *Client) ExportStatus(ctx context.Context, jobID string) (*ExportJob, error) {
	var out ExportJob
	if err := c.getJSON(ctx, "/api/v1/exports/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadExport streams a completed export artifact to w.
func (c *Client) DownloadExport(ctx context.Context, jobID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/exports/"+url.PathEscape(jobID)+"/download", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return decodeAPIError(resp.StatusCode, body)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body []byte
	switch v := in.(type) {
	case json.RawMessage:
		body = v
	default:
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("server error %d: %s", status, string(body))
	}
	return apiErr
}
