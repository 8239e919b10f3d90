package domain

import (
	"encoding/json"
	"time"
)

// VerdictEvent is what observers receive for every produced verdict.
type VerdictEvent struct {
	Verdict    Verdict
	Source     string
	DeviceHash string
	Timestamp  time.Time
	// Alert is set when the verdict crossed the alert threshold or was blocked.
	Alert bool
}

// MarshalJSON flattens the verdict next to the event metadata, matching the shape
// dashboards already consume for analyze responses.
func (e VerdictEvent) MarshalJSON() ([]byte, error) {
	verdict, err := json.Marshal(e.Verdict)
	if err != nil {
		return nil, err
	}

	var flat map[string]any
	if err := json.Unmarshal(verdict, &flat); err != nil {
		return nil, err
	}
	flat["source"] = e.Source
	if e.DeviceHash != "" {
		flat["deviceHash"] = e.DeviceHash
	}
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(flat)
}

// AlertPayload is the compact alert message published to observers.
type AlertPayload struct {
	ID          string      `json:"id"`
	Domain      string      `json:"domain"`
	RiskScore   int         `json:"risk_score"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Action      Action      `json:"action"`
	Timestamp   string      `json:"timestamp"`
}

// AlertFromEvent builds the alert payload for an event.
func AlertFromEvent(e VerdictEvent) AlertPayload {
	return AlertPayload{
		ID:          e.Timestamp.UTC().Format("20060102150405.000000000") + "-" + e.Verdict.Domain,
		Domain:      e.Verdict.Domain,
		RiskScore:   e.Verdict.RiskScore,
		ThreatLevel: e.Verdict.ThreatLevel,
		Action:      e.Verdict.Action,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// ProtectionStatus is broadcast when enforcement is paused or resumed.
type ProtectionStatus struct {
	Active bool `json:"active"`
}
