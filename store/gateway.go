// Package store persists validated dispatch records to the rip_and_runs table.
package store

import (
	"context"
	"fmt"

	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/transform"
)

// Gateway upserts records keyed by (incident_number, unit_id)
type Gateway interface {
	Upsert(ctx context.Context, rec models.PersistedRecord) error
	Close() error
}

// UpsertResult reports the outcome of Save
type UpsertResult struct {
	Success        bool   `json:"success"`
	IncidentNumber int64  `json:"incident_number,omitempty"`
	UnitID         string `json:"unit_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Save validates payload, transforms it and upserts the resulting record.
// Validation and database failures are reported in the result, never raised.
func Save(ctx context.Context, gw Gateway, payload map[string]any, unitOverride string) UpsertResult {
	rec, err := transform.Transform(payload, unitOverride)
	if err != nil {
		return UpsertResult{Error: err.Error()}
	}

	if err := gw.Upsert(ctx, *rec); err != nil {
		return UpsertResult{
			IncidentNumber: rec.IncidentNumber,
			UnitID:         rec.UnitID,
			Error:          fmt.Sprintf("database operation failed: %v", err),
		}
	}

	return UpsertResult{
		Success:        true,
		IncidentNumber: rec.IncidentNumber,
		UnitID:         rec.UnitID,
	}
}
