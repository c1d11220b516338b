package models

import "time"

// PersistedRecord is one row of the rip_and_runs table
type PersistedRecord struct {
	IncidentNumber int64   `json:"incident_number"`
	UnitID         string  `json:"unit_id"`
	Content        string  `json:"content"`
	IncidentDate   string  `json:"incident_date"`
	Location       *string `json:"location"`
	IncidentType   *string `json:"incident_type"`
}

// QuarantineItem describes a failed work item held for operator review
type QuarantineItem struct {
	OriginalName    string    `json:"original_name"`
	QuarantinedName string    `json:"quarantined_name"`
	SidecarName     string    `json:"sidecar_name"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error"`
}
