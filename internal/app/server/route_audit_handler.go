package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"netguard/internal/database"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 90
)

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func writeAuditError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, database.ErrNotConfigured) {
		writeError(w, "audit store is not configured", http.StatusServiceUnavailable)
		return
	}
	log.Error("Audit query failed", "query", what, "error", err)
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	days := min(queryInt(r, "days", defaultStatsDays), maxStatsDays)

	stats, err := database.GetTrafficStats(r.Context(), days, s.now())
	if err != nil {
		writeAuditError(w, "traffic stats", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"days": days, "stats": stats})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := database.ListRecentLogs(r.Context(), queryInt(r, "limit", database.DefaultLogLimit))
	if err != nil {
		writeAuditError(w, "logs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := database.ListRecentAlerts(r.Context(), queryInt(r, "limit", database.DefaultLogLimit))
	if err != nil {
		writeAuditError(w, "alerts", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
