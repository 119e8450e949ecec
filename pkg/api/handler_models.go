package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/models"
)

// listModelsHandler handles GET /api/v1/models.
func (s *Server) listModelsHandler(c *gin.Context) {
	manifests, err := s.repo.ListManifests(c.Request.Context(), tenantFrom(c).TenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ModelList{Models: manifests})
}

// registerModelHandler handles POST /api/v1/models. The manifest is owned
// by the calling tenant regardless of what the body claims.
func (s *Server) registerModelHandler(c *gin.Context) {
	var manifest models.ModelManifest
	if err := c.ShouldBindJSON(&manifest); err != nil {
		s.writeError(c, bindError(err))
		return
	}
	manifest.TenantID = tenantFrom(c).TenantID
	if err := s.repo.SaveManifest(c.Request.Context(), &manifest); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, manifest)
}

// getModelHandler handles GET /api/v1/models/:id, returning the manifest
// with its version history, newest first.
func (s *Server) getModelHandler(c *gin.Context) {
	tenantID := tenantFrom(c).TenantID
	modelID := c.Param("id")

	manifest, err := s.repo.GetManifest(c.Request.Context(), tenantID, modelID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	versions, err := s.repo.ListVersions(c.Request.Context(), tenantID, modelID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ModelDetail{Manifest: manifest, Versions: versions})
}
