package models

import (
	"time"
)

// ItemStatus represents where a work item is in the processing pipeline
type ItemStatus string

const (
	StatusDiscovered      ItemStatus = "discovered"
	StatusInterpreting    ItemStatus = "interpreting"
	StatusInterpreted     ItemStatus = "interpreted"
	StatusInterpretFailed ItemStatus = "interpret_failed"
	StatusPersisting      ItemStatus = "persisting"
	StatusPersisted       ItemStatus = "persisted"
	StatusPersistFailed   ItemStatus = "persist_failed"
	StatusQuarantined     ItemStatus = "quarantined"
	StatusDeleted         ItemStatus = "deleted"
)

// transitions lists the states reachable from each state. Deleted is only
// reachable from Persisted.
var transitions = map[ItemStatus][]ItemStatus{
	StatusDiscovered:      {StatusInterpreting, StatusQuarantined},
	StatusInterpreting:    {StatusInterpreted, StatusInterpretFailed},
	StatusInterpreted:     {StatusPersisting, StatusQuarantined},
	StatusInterpretFailed: {StatusQuarantined},
	StatusPersisting:      {StatusPersisted, StatusPersistFailed},
	StatusPersistFailed:   {StatusQuarantined},
	StatusPersisted:       {StatusDeleted},
}

// CanTransition reports whether an item may move from s to next
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends an item's lifecycle
func (s ItemStatus) IsTerminal() bool {
	return s == StatusQuarantined || s == StatusDeleted
}

// IsFailure reports whether the status is one of the failed branches
func (s ItemStatus) IsFailure() bool {
	return s == StatusInterpretFailed || s == StatusPersistFailed || s == StatusQuarantined
}

// WorkItem represents one PDF waiting in the work directory
type WorkItem struct {
	ID             string     `json:"id"`
	Path           string     `json:"path"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	ModTime        time.Time  `json:"mod_time"`
	Status         ItemStatus `json:"status"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	QuarantinePath string     `json:"quarantine_path,omitempty"`
	IncidentNumber int64      `json:"incident_number,omitempty"`
	UnitID         string     `json:"unit_id,omitempty"`
}
