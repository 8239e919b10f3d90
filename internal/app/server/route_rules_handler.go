package server

import (
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"netguard/internal/app/version"
	"netguard/internal/config"
)

func (s *Server) getRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetRules())
}

// saveRules validates and applies a rule table. A table whose version is empty or equal
// to the active one gets a fresh version so other instances do not ignore it.
func (s *Server) saveRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBulkBytes))
	if err != nil {
		writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	rules, err := config.ParseRules(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if rules.Version == "" || rules.Version == config.GetRules().Version {
		rules.Version = "local-" + s.now().UTC().Format("20060102T150405.000Z")
	}

	if err := config.SetRules(rules); err != nil {
		log.Warn("Rules applied locally but not synchronized", "version", rules.Version, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"version": rules.Version})
}

func (s *Server) getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo(config.GetRules().Version))
}
