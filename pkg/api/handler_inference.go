package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// inferenceBody is the wire form of an inference request. Timeout travels as
// milliseconds; everything else binds straight onto the model type.
type inferenceBody struct {
	models.InferenceRequest
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

func (b inferenceBody) request() *models.InferenceRequest {
	req := b.InferenceRequest
	if b.TimeoutMs > 0 {
		req.Timeout = time.Duration(b.TimeoutMs) * time.Millisecond
	}
	return &req
}

// inferenceHandler handles POST /api/v1/inference. Streaming requests are
// rejected here; the stream endpoint owns those.
func (s *Server) inferenceHandler(c *gin.Context) {
	req, ok := s.bindInference(c)
	if !ok {
		return
	}
	resp, err := s.engine.Infer(c.Request.Context(), req, tenantFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamHandler handles POST /api/v1/inference/stream as Server-Sent
// Events: one data event per chunk, the final chunk carrying the finish
// reason. Failures after the stream opened arrive as a terminal error event
// because the 200 header is already on the wire by then.
func (s *Server) streamHandler(c *gin.Context) {
	req, ok := s.bindInference(c)
	if !ok {
		return
	}
	it, err := s.engine.Stream(c.Request.Context(), req, tenantFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer it.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		chunk, err := it.Next(c.Request.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.writeStreamError(c, err)
			}
			return
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			s.writeStreamError(c, inferr.Internal("encode stream chunk", err))
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
	}
}

// writeStreamError emits the error envelope as the terminal stream event.
func (s *Server) writeStreamError(c *gin.Context, err error) {
	env := envelopeFor(c, err)
	payload, merr := json.Marshal(gin.H{"error": env})
	if merr != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

// bindInference decodes the request body, assigns the request id resolved
// by the middleware when the body carries none, and applies tenant routing
// policy. A false return means the error response was already written.
func (s *Server) bindInference(c *gin.Context) (*models.InferenceRequest, bool) {
	var body inferenceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, bindError(err))
		return nil, false
	}
	req := body.request()
	if req.RequestID == "" {
		req.RequestID = c.GetString(ctxKeyRequestID)
	}
	s.applyTenantPolicy(tenantFrom(c), req)
	return req, true
}

// applyTenantPolicy stamps tenant-level routing flags the request did not
// set itself. Request metadata always wins over tenant configuration.
func (s *Server) applyTenantPolicy(tenant models.TenantContext, req *models.InferenceRequest) {
	if _, ok := req.Metadata[models.MetaCostSensitive]; ok {
		return
	}
	v, ok := s.opts.CostSensitive[tenant.TenantID]
	if !ok {
		return
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]string)
	}
	req.Metadata[models.MetaCostSensitive] = strconv.FormatBool(v)
}

func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return inferr.Newf(inferr.KindValidation, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return inferr.Wrap(inferr.KindValidation, "invalid request body", err)
}
