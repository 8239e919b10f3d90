package domain

import "time"

// DomainLog is one audited analysis.
type DomainLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Domain      string        `gorm:"size:253;index;not null" json:"domain"`
	FullTarget  string        `gorm:"size:2048;not null;default:''" json:"fullUrl"`
	RiskScore   int           `gorm:"not null" json:"riskScore"`
	ThreatLevel string        `gorm:"size:16;not null" json:"threatLevel"`
	Action      string        `gorm:"size:16;index;not null" json:"action"`
	Category    string        `gorm:"size:512;not null;default:''" json:"category"`
	Categories  StringList    `gorm:"type:text" json:"categories"`
	Features    FeatureColumn `gorm:"type:text" json:"features"`

	Source     string `gorm:"size:64;not null;default:'unknown'" json:"source"`
	DeviceHash string `gorm:"size:64;index" json:"deviceHash,omitempty"`
	Country    string `gorm:"size:2" json:"country,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"timestamp"`
}

// Alert records a verdict that crossed the alert threshold or was blocked.
type Alert struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Domain      string `gorm:"size:253;index;not null" json:"domain"`
	RiskScore   int    `gorm:"not null" json:"riskScore"`
	ThreatLevel string `gorm:"size:16;not null" json:"threatLevel"`
	Action      string `gorm:"size:16;not null" json:"action"`
	DeviceHash  string `gorm:"size:64" json:"deviceHash,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"timestamp"`
}

// TrafficStat keeps per-day counters of enforcement actions.
type TrafficStat struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	Date          string `gorm:"size:10;uniqueIndex;not null" json:"date"`
	TotalAnalyzed int64  `gorm:"not null;default:0" json:"totalAnalyzed"`
	TotalAllowed  int64  `gorm:"not null;default:0" json:"totalAllowed"`
	SoftBlocked   int64  `gorm:"not null;default:0" json:"softBlocked"`
	TotalBlocked  int64  `gorm:"not null;default:0" json:"totalBlocked"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDomainLog flattens a verdict event into an audit row.
func NewDomainLog(evt VerdictEvent) DomainLog {
	cats := evt.Verdict.Categories.Sorted()
	list := make(StringList, len(cats))
	for i, c := range cats {
		list[i] = string(c)
	}

	return DomainLog{
		Domain:      evt.Verdict.Domain,
		FullTarget:  evt.Verdict.FullTarget,
		RiskScore:   evt.Verdict.RiskScore,
		ThreatLevel: string(evt.Verdict.ThreatLevel),
		Action:      string(evt.Verdict.Action),
		Category:    evt.Verdict.Category(),
		Categories:  list,
		Features:    FeatureColumn(evt.Verdict.Features.Clone()),
		Source:      evt.Source,
		DeviceHash:  evt.DeviceHash,
		CreatedAt:   evt.Timestamp,
	}
}

// NewAlert builds an alert row from a verdict event.
func NewAlert(evt VerdictEvent) Alert {
	return Alert{
		Domain:      evt.Verdict.Domain,
		RiskScore:   evt.Verdict.RiskScore,
		ThreatLevel: string(evt.Verdict.ThreatLevel),
		Action:      string(evt.Verdict.Action),
		DeviceHash:  evt.DeviceHash,
		CreatedAt:   evt.Timestamp,
	}
}
