package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/query"
	"github.com/evidentry/evidentry/internal/store"
)

const defaultPageLimit = 100

// ReceiptHandler exposes ingestion and read endpoints for receipts.
type ReceiptHandler struct {
	ingester *ingest.Service
	queries  *query.Service
	logger   *zap.Logger
}

// NewReceiptHandler creates a ReceiptHandler.
func NewReceiptHandler(ingester *ingest.Service, queries *query.Service, logger *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{ingester: ingester, queries: queries, logger: logger}
}

// Register mounts the receipt routes on the given router group.
func (h *ReceiptHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/receipts", h.Ingest)
	rg.GET("/receipts/:id", h.Get)
	rg.POST("/receipts/search", h.Search)
	rg.POST("/aggregate", h.Aggregate)
}

// Ingest handles POST /receipts — appends a single signed receipt.
func (h *ReceiptHandler) Ingest(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}

	rec, err := h.ingester.Ingest(c.Request.Context(), ingestCallerFrom(c), json.RawMessage(raw))
	if err != nil {
		respondError(c, err)
		return
	}

	RecordIngest("accepted")
	c.JSON(http.StatusCreated, gin.H{
		"receipt_id":  rec.ReceiptID,
		"chain_id":    rec.ChainID,
		"sequence_no": rec.SequenceNo,
		"hash":        rec.Hash,
	})
}

// Get handles GET /receipts/:id.
func (h *ReceiptHandler) Get(c *gin.Context) {
	rec, err := h.queries.Get(c.Request.Context(), callerFrom(c), scopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// searchRequest is the body of POST /receipts/search and /aggregate.
type searchRequest struct {
	Scope     scopeSpec `json:"scope"`
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

func (r *searchRequest) filter() store.Filter {
	return store.Filter{
		From:     r.From,
		To:       r.To,
		ChainID:  r.ChainID,
		Emitter:  r.Emitter,
		Decision: r.Decision,
		Resource: r.Resource,
	}
}

// Search handles POST /receipts/search — filtered, cursor-paginated
// reads within an authorized tenant scope.
func (h *ReceiptHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	caller := callerFrom(c)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	page, err := h.queries.Search(c.Request.Context(), caller, req.Scope.toScope(caller), req.filter(), req.Cursor, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts":    page.Receipts,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// Aggregate handles POST /aggregate — time-bucketed counts grouped by a
// dimension such as chain_id or decision. bucket selects daily, weekly,
// or monthly granularity.
func (h *ReceiptHandler) Aggregate(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	caller := callerFrom(c)

	rows, err := h.queries.Aggregate(c.Request.Context(), caller, req.Scope.toScope(caller), req.filter(), req.Dimension, req.Bucket)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dimension": req.Dimension,
		"rows":      rows,
		"row_count": len(rows),
	})
}
