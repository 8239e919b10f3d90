package server

import (
	"net/http"

	"github.com/charmbracelet/log"

	"netguard/internal/config"
	"netguard/internal/verdictcache"
)

type toggleRequest struct {
	Active *bool `json:"active"`
}

type statusResponse struct {
	Active       bool               `json:"active"`
	RulesVersion string             `json:"rulesVersion"`
	Cache        verdictcache.Stats `json:"cache"`
	Instances    int                `json:"instances,omitempty"`
}

func (s *Server) toggleProtection(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Active == nil {
		writeError(w, "active is required", http.StatusBadRequest)
		return
	}

	s.guard.Protection().Set(*req.Active)
	if s.broadcaster != nil {
		s.broadcaster.PublishStatus(*req.Active)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"active": s.guard.Protection().Active()})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		Active:       s.guard.Protection().Active(),
		RulesVersion: config.GetRules().Version,
		Cache:        s.guard.CacheStats(),
	}
	if s.instances != nil {
		n, err := s.instances(r.Context())
		if err != nil {
			log.Warn("Failed to count active instances", "error", err)
		}
		status.Instances = n
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) purgeCache(w http.ResponseWriter, _ *http.Request) {
	s.guard.PurgeCache()
	w.WriteHeader(http.StatusNoContent)
}
