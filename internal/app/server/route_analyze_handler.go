package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"netguard/internal/domain"
	"netguard/internal/guard"
)

type analyzeRequest struct {
	Domain           string `json:"domain"`
	URL              string `json:"url"`
	Source           string `json:"source"`
	DeepScan         bool   `json:"deepScan"`
	IsBackgroundData bool   `json:"isBackgroundData"`
	DeviceID         string `json:"deviceId"`
}

func (r analyzeRequest) target() string {
	if strings.TrimSpace(r.Domain) != "" {
		return r.Domain
	}
	return r.URL
}

type batchEntry struct {
	Domain   string `json:"domain"`
	DeviceID string `json:"deviceId"`
}

type batchRequest struct {
	Batch  []batchEntry `json:"batch"`
	Source string       `json:"source"`
}

type batchError struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

type dnsQueryRequest struct {
	Domain     string `json:"domain"`
	DeviceHash string `json:"deviceHash"`
}

type dnsQueryResponse struct {
	Action domain.Action `json:"action"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	verdict, err := s.guard.Analyze(r.Context(), req.target(), guard.Options{
		DeepScan:   req.DeepScan,
		Background: req.IsBackgroundData,
		Source:     req.Source,
		DeviceID:   req.DeviceID,
	})
	if errors.Is(err, guard.ErrMissingTarget) {
		writeError(w, "Domain is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "analysis failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) analyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, maxBulkBytes, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Batch) == 0 {
		writeError(w, "batch must contain at least one entry", http.StatusBadRequest)
		return
	}
	if len(req.Batch) > s.batchMaxItems {
		writeError(w, fmt.Sprintf("batch exceeds %d entries", s.batchMaxItems), http.StatusBadRequest)
		return
	}

	items := make([]guard.BatchItem, len(req.Batch))
	for i, entry := range req.Batch {
		items[i] = guard.BatchItem{Target: entry.Domain, DeviceID: entry.DeviceID}
	}

	source := req.Source
	if source == "" {
		source = "batch"
	}

	results := s.guard.AnalyzeBatch(r.Context(), items, source)

	payload := make([]any, len(results))
	for i, res := range results {
		if res.Err != nil {
			payload[i] = batchError{Domain: req.Batch[i].Domain, Error: res.Err.Error()}
			continue
		}
		payload[i] = res.Verdict
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": payload})
}

// dnsQuery is the enforcement fast path. It answers ALLOW on any client error so a broken
// resolver integration never blocks traffic.
func (s *Server) dnsQuery(w http.ResponseWriter, r *http.Request) {
	var req dnsQueryRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, dnsQueryResponse{Action: domain.ActionAllow})
		return
	}

	action, err := s.guard.FastLookup(r.Context(), req.Domain, guard.Options{DeviceID: req.DeviceHash})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, dnsQueryResponse{Action: domain.ActionAllow})
		return
	}

	writeJSON(w, http.StatusOK, dnsQueryResponse{Action: action})
}
