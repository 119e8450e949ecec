package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// errorEnvelope is the JSON error shape every endpoint returns. The code set
// is the closed error taxonomy; clients branch on error_code, never on the
// message text.
type errorEnvelope struct {
	ErrorCode  string            `json:"error_code"`
	Message    string            `json:"message"`
	RequestID  string            `json:"request_id,omitempty"`
	HTTPStatus int               `json:"http_status"`
	Retryable  bool              `json:"retryable"`
	Details    map[string]string `json:"details,omitempty"`
}

func envelopeFor(c *gin.Context, err error) errorEnvelope {
	e := inferr.From(err)
	requestID := e.RequestID
	if requestID == "" {
		requestID = c.GetString(ctxKeyRequestID)
	}
	return errorEnvelope{
		ErrorCode:  string(e.Kind),
		Message:    e.Message,
		RequestID:  requestID,
		HTTPStatus: e.Kind.HTTPStatus(),
		Retryable:  e.Retryable(),
		Details:    e.Details,
	}
}

// writeError maps err onto the taxonomy and writes the envelope with its
// HTTP status.
func (s *Server) writeError(c *gin.Context, err error) {
	env := envelopeFor(c, err)
	if env.HTTPStatus >= 500 {
		s.logger.Error("request failed", "error", err, "request_id", env.RequestID)
	}
	c.JSON(env.HTTPStatus, env)
}

// writeNotFound answers lookup misses for gateway-local resources (jobs,
// batches, in-flight requests). Those sit outside the inference taxonomy,
// so the envelope carries a generic code.
func (s *Server) writeNotFound(c *gin.Context, resource, id string) {
	c.JSON(http.StatusNotFound, errorEnvelope{
		ErrorCode:  "NotFound",
		Message:    resource + " not found",
		RequestID:  c.GetString(ctxKeyRequestID),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{resource: id},
	})
}
