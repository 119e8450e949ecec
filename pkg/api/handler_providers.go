package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/providers"
)

// listProvidersHandler handles GET /api/v1/providers: the registry snapshot
// joined with each provider's circuit breaker state.
func (s *Server) listProvidersHandler(c *gin.Context) {
	var infos []providers.Info
	if s.registry != nil {
		infos = s.registry.Snapshot(c.Request.Context())
	}
	states := map[string]string{}
	if s.breakers != nil {
		for op, st := range s.breakers.Snapshot() {
			states[op] = st.String()
		}
	}

	out := make([]ProviderStatus, len(infos))
	for i, info := range infos {
		out[i] = ProviderStatus{
			Info:         info,
			BreakerState: states[info.ID],
		}
	}
	c.JSON(http.StatusOK, ProviderList{Providers: out})
}
