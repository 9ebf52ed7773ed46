package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/traverse"
)

// GraphHandler exposes receipt lineage traversal.
type GraphHandler struct {
	traverser *traverse.Service
	logger    *zap.Logger
}

// NewGraphHandler creates a GraphHandler.
func NewGraphHandler(svc *traverse.Service, logger *zap.Logger) *GraphHandler {
	return &GraphHandler{traverser: svc, logger: logger}
}

// Register mounts the graph routes on the given router group.
func (h *GraphHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/receipts/:id/graph", h.Traverse)
}

// Traverse handles GET /receipts/:id/graph?direction=&depth= — walks
// parent, child, and related links from a root receipt.
func (h *GraphHandler) Traverse(c *gin.Context) {
	dir, err := traverse.ParseDirection(c.Query("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	depth := 0
	if raw := c.Query("depth"); raw != "" {
		depth, err = strconv.Atoi(raw)
		if err != nil || depth < 0 {
			c.JSON(http.StatusBadRequest, errorBody{Error: "depth must be a non-negative integer"})
			return
		}
	}

	frag, err := h.traverser.Traverse(c.Request.Context(), callerFrom(c), scopeFrom(c), c.Param("id"), dir, depth)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, frag)
}
