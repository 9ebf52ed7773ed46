package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/verify"
)

// VerifyHandler exposes integrity verification endpoints.
type VerifyHandler struct {
	verifier *verify.Service
	logger   *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(svc *verify.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: svc, logger: logger}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/receipts/:id/verify", h.Receipt)
	rg.GET("/chains/:chainID/verify", h.Range)
}

// Receipt handles GET /receipts/:id/verify — recomputes the stored
// receipt's hash and checks its signature.
func (h *VerifyHandler) Receipt(c *gin.Context) {
	result, err := h.verifier.VerifyReceipt(c.Request.Context(), callerFrom(c), scopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.HashValid || !result.SignatureValid {
		RecordVerification("invalid")
	} else {
		RecordVerification("valid")
	}
	c.JSON(http.StatusOK, result)
}

// Range handles GET /chains/:chainID/verify?from=&to= — walks a chain
// segment checking linkage, continuity, and hashes.
func (h *VerifyHandler) Range(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "from must be an integer"})
		return
	}
	to, err := strconv.ParseInt(c.Query("to"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "to must be an integer"})
		return
	}

	result, err := h.verifier.VerifyRange(c.Request.Context(), callerFrom(c), scopeFrom(c), c.Param("chainID"), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Valid {
		RecordVerification("valid")
	} else {
		RecordVerification("invalid")
	}
	c.JSON(http.StatusOK, result)
}
