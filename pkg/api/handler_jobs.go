package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/models"
)

// submitJobHandler handles POST /api/v1/jobs: fire-and-forget inference.
func (s *Server) submitJobHandler(c *gin.Context) {
	req, ok := s.bindInference(c)
	if !ok {
		return
	}
	jobID, err := s.engine.SubmitAsync(req, tenantFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobAccepted{JobID: jobID})
}

// getJobHandler handles GET /api/v1/jobs/:id.
func (s *Server) getJobHandler(c *gin.Context) {
	job, ok := s.engine.GetJobStatus(c.Param("id"), tenantFrom(c))
	if !ok {
		s.writeNotFound(c, "job", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, job)
}

// batchBody is the wire form of a batch submission.
type batchBody struct {
	Requests      []inferenceBody `json:"requests"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`
}

// submitBatchHandler handles POST /api/v1/batches.
func (s *Server) submitBatchHandler(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, bindError(err))
		return
	}
	tenant := tenantFrom(c)
	reqs := make([]*models.InferenceRequest, len(body.Requests))
	for i, b := range body.Requests {
		req := b.request()
		s.applyTenantPolicy(tenant, req)
		reqs[i] = req
	}
	batchID, err := s.engine.Batch(reqs, body.MaxConcurrent, tenant)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, BatchAccepted{BatchID: batchID})
}

// getBatchHandler handles GET /api/v1/batches/:id.
func (s *Server) getBatchHandler(c *gin.Context) {
	job, ok := s.engine.GetBatchStatus(c.Param("id"), tenantFrom(c))
	if !ok {
		s.writeNotFound(c, "batch", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelRequestHandler handles DELETE /api/v1/requests/:id. Cancellation is
// asynchronous: 202 means the in-flight request was told to stop, not that
// it has stopped.
func (s *Server) cancelRequestHandler(c *gin.Context) {
	id := c.Param("id")
	if !s.engine.Cancel(id, tenantFrom(c)) {
		s.writeNotFound(c, "request", id)
		return
	}
	c.JSON(http.StatusAccepted, CancelAccepted{RequestID: id, Status: "cancelling"})
}
