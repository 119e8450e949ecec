package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// Context keys set by the middleware chain.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyTenant    = "tenant"
)

// Wire headers.
const (
	headerRequestID = "X-Request-ID"
	headerTenantID  = "X-Tenant-ID"
)

// requestID assigns each request an id, honoring one the client sent, and
// echoes it back in the response header.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// tenant resolves the caller's tenant from the X-Tenant-ID header. With
// multitenancy enabled a missing header rejects the request; otherwise the
// request runs as the default tenant.
func (s *Server) tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerTenantID)
		if id == "" {
			if s.opts.MultitenancyEnabled {
				s.writeError(c, inferr.Auth("tenant header is required"))
				c.Abort()
				return
			}
			c.Set(ctxKeyTenant, models.DefaultTenant())
			c.Next()
			return
		}
		c.Set(ctxKeyTenant, models.TenantContext{TenantID: id})
		c.Next()
	}
}

// accessLog emits one structured line per request after it completes.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(ctxKeyRequestID),
		}
		if t := tenantFrom(c); t.TenantID != "" {
			attrs = append(attrs, "tenant", t.TenantID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("request", attrs...)
		} else {
			s.logger.Info("request", attrs...)
		}
	}
}

// recovery converts panics into the standard error envelope instead of a
// closed connection.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic",
					"panic", r,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(ctxKeyRequestID))
				if !c.Writer.Written() {
					s.writeError(c, inferr.Internal("internal server error", nil))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// bodyLimit caps request body size. Reads past the limit fail the request
// with 400 through the JSON binder.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// tenantFrom reads the tenant the middleware resolved. Routes outside the
// tenant group see the zero value.
func tenantFrom(c *gin.Context) models.TenantContext {
	if v, ok := c.Get(ctxKeyTenant); ok {
		if t, ok := v.(models.TenantContext); ok {
			return t
		}
	}
	return models.TenantContext{}
}
