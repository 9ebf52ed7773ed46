package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/courier"
)

// BatchHandler exposes courier batch ingestion and Merkle proofs.
type BatchHandler struct {
	courier *courier.Service
	logger  *zap.Logger
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(svc *courier.Service, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{courier: svc, logger: logger}
}

// Register mounts the batch routes on the given router group.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/batches", h.Ingest)
	rg.GET("/batches/:id/proof/:receiptID", h.Proof)
}

// Ingest handles POST /batches — a pre-signed courier batch. The root
// is recomputed server-side; a mismatch rejects the whole batch.
func (h *BatchHandler) Ingest(c *gin.Context) {
	var req courier.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	result, err := h.courier.IngestBatch(c.Request.Context(), ingestCallerFrom(c), &req)
	if err != nil {
		RecordBatch("rejected")
		respondError(c, err)
		return
	}

	RecordBatch("accepted")
	c.JSON(http.StatusOK, result)
}

// Proof handles GET /batches/:id/proof/:receiptID — the Merkle
// inclusion proof for one receipt of a stored batch.
func (h *BatchHandler) Proof(c *gin.Context) {
	proof, err := h.courier.GetMerkleProof(c.Request.Context(), callerFrom(c), scopeFrom(c), c.Param("id"), c.Param("receiptID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}
