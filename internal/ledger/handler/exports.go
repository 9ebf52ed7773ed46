package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/export"
	"github.com/evidentry/evidentry/internal/store"
)

// ExportHandler exposes the background export jobs.
type ExportHandler struct {
	exports *export.Manager
	logger  *zap.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(mgr *export.Manager, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{exports: mgr, logger: logger}
}

// Register mounts the export routes on the given router group.
func (h *ExportHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/exports", h.Start)
	rg.GET("/exports/:id", h.Status)
	rg.GET("/exports/:id/download", h.Download)
	rg.DELETE("/exports/:id", h.Cancel)
}

type exportRequest struct {
	Scope    scopeSpec `json:"scope"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	ChainID  string    `json:"chain_id,omitempty"`
	Emitter  string    `json:"emitter,omitempty"`
	Format   string    `json:"format,omitempty"`
	Compress bool      `json:"compress,omitempty"`
	Cursor   string    `json:"cursor,omitempty"`
}

// Start handles POST /exports — launches a background export and
// returns its job id immediately.
func (h *ExportHandler) Start(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	caller := callerFrom(c)

	job, err := h.exports.Start(c.Request.Context(), caller, export.Request{
		Scope:    req.Scope.toScope(caller),
		Filter:   store.Filter{From: req.From, To: req.To, ChainID: req.ChainID, Emitter: req.Emitter},
		Format:   format,
		Compress: req.Compress,
		Cursor:   req.Cursor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Status handles GET /exports/:id.
func (h *ExportHandler) Status(c *gin.Context) {
	job, err := h.exports.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Download handles GET /exports/:id/download — streams the completed
// artifact.
func (h *ExportHandler) Download(c *gin.Context) {
	job, err := h.exports.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	rc, err := h.exports.Open(job.ID)
	if err != nil {
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	defer rc.Close()

	name := "export-" + job.ID + "." + string(job.Format)
	contentType := "application/x-ndjson"
	switch job.Format {
	case export.FormatCSV:
		contentType = "text/csv"
	case export.FormatColumnar:
		contentType = "application/json"
	}
	if job.Compressed {
		name += ".gz"
		contentType = "application/gzip"
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Warn("export download interrupted", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Cancel handles DELETE /exports/:id.
func (h *ExportHandler) Cancel(c *gin.Context) {
	if err := h.exports.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
