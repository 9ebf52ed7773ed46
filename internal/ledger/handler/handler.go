// Package handler exposes the ledger's HTTP API.
package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/ingest"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

const callerKey = "evidentry.caller"

// errorBody is the JSON error envelope returned on every failure.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// respondError maps service errors onto HTTP statuses. Retriable
// failures map to 503 so producers know to retry; terminal ones map to
// 4xx so they know not to.
func respondError(c *gin.Context, err error) {
	if ie, ok := receipt.AsIngestError(err); ok {
		status := statusFor(ie)
		c.JSON(status, errorBody{Error: ie.Message, Code: string(ie.Code), Retriable: ie.Retriable})
		return
	}
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, errorBody{Error: "not found", Code: string(receipt.ErrCodeNotFound)})
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func statusFor(ie *receipt.IngestError) int {
	if ie.Retriable {
		return http.StatusServiceUnavailable
	}
	switch ie.Code {
	case receipt.ErrCodeValidation, receipt.ErrCodeTenantMissing,
		receipt.ErrCodeSignatureInvalid, receipt.ErrCodeMerkleRootMismatch:
		return http.StatusBadRequest
	case receipt.ErrCodeContentPolicyViolation:
		return http.StatusUnprocessableEntity
	case receipt.ErrCodeChainConflict:
		return http.StatusConflict
	case receipt.ErrCodeAccessDenied:
		return http.StatusForbidden
	case receipt.ErrCodeNotFound:
		return http.StatusNotFound
	case receipt.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// callerFrom reads the authenticated caller the auth middleware stored.
func callerFrom(c *gin.Context) audit.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(audit.Caller); ok {
			return caller
		}
	}
	return audit.Caller{}
}

func ingestCallerFrom(c *gin.Context) ingest.Caller {
	caller := callerFrom(c)
	return ingest.Caller{Subject: caller.Subject, TenantID: caller.TenantID, Roles: caller.Roles}
}

// scopeFrom builds the read scope for a request. An explicit scope
// comes from the tenants query parameter ("*" requests all tenants);
// otherwise the caller's own tenant is the scope.
func scopeFrom(c *gin.Context) store.Scope {
	caller := callerFrom(c)
	raw := c.Query("tenants")
	if raw == "" {
		return store.Scope{TenantIDs: []string{caller.TenantID}}
	}
	if raw == "*" {
		return store.Scope{AllTenants: true}
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 {
		return store.Scope{TenantIDs: []string{caller.TenantID}}
	}
	return store.Scope{TenantIDs: tenants}
}

// scopeSpec is the JSON scope block accepted in request bodies.
type scopeSpec struct {
	TenantIDs  []string `json:"tenant_ids,omitempty"`
	AllTenants bool     `json:"all_tenants,omitempty"`
}

func (s scopeSpec) toScope(caller audit.Caller) store.Scope {
	if s.AllTenants {
		return store.Scope{AllTenants: true}
	}
	if len(s.TenantIDs) > 0 {
		return store.Scope{TenantIDs: s.TenantIDs}
	}
	return store.Scope{TenantIDs: []string{caller.TenantID}}
}

// BodySizeLimit returns middleware that caps request body size.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeaders returns middleware that sets standard response
// hardening headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
