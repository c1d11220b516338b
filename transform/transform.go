// Package transform turns an interpreted dispatch payload into a rip_and_runs record.
//
// Required fields are never defaulted: a missing unit, CAD number or dispatch
// notification time is a ValidationError naming the field and the raw value.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jupark12/pcr-intake/models"
)

const (
	MaxLocationLen     = 300
	MaxIncidentTypeLen = 20

	// dispatch sheets print mm/dd/yyyy and 24-hour hh:mm:ss
	dispatchLayout = "1/2/2006 15:04:05"
	isoLayout      = "2006-01-02T15:04:05"
)

const (
	FieldUnitID       = "incidentTimes.unit_dispatched"
	FieldCAD          = "incidentTimes.cad"
	FieldNotified     = "incidentTimes.times.notifiedByDispatch"
	FieldNotifiedDate = "incidentTimes.times.notifiedByDispatch.date"
	FieldNotifiedTime = "incidentTimes.times.notifiedByDispatch.time"
	FieldLocation     = "incidentLocation.raw"
	FieldIncidentType = "incidentTimes.incident_type"
)

// ValidationError describes a missing or invalid field in an interpreted payload
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %q: %s", e.Field, e.Value, e.Reason)
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "missing required field"}
}

// Transform builds a PersistedRecord from payload. unitOverride, when set,
// replaces the unit taken from the payload.
func Transform(payload map[string]any, unitOverride string) (*models.PersistedRecord, error) {
	incidentTimes := object(payload, "incidentTimes")

	unitID := strings.TrimSpace(unitOverride)
	if unitID == "" {
		unitID = scalarString(incidentTimes["unit_dispatched"])
	}
	if unitID == "" {
		return nil, missing(FieldUnitID)
	}

	incidentNumber, err := parseCAD(incidentTimes["cad"])
	if err != nil {
		return nil, err
	}

	incidentDate, err := parseNotified(object(object(incidentTimes, "times"), "notifiedByDispatch"))
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	return &models.PersistedRecord{
		IncidentNumber: incidentNumber,
		UnitID:         unitID,
		Content:        string(content),
		IncidentDate:   incidentDate,
		Location:       optional(object(payload, "incidentLocation")["raw"], MaxLocationLen),
		IncidentType:   optional(incidentTimes["incident_type"], MaxIncidentTypeLen),
	}, nil
}

func parseCAD(v any) (int64, error) {
	if v == nil {
		return 0, missing(FieldCAD)
	}

	invalid := func(raw string) error {
		return &ValidationError{Field: FieldCAD, Value: raw, Reason: "CAD number cannot be converted to integer"}
	}

	switch cad := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(cad), 10, 64)
		if err != nil {
			return 0, invalid(cad)
		}
		return n, nil
	case json.Number:
		if n, err := cad.Int64(); err == nil {
			return n, nil
		}
		f, err := cad.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return 0, invalid(cad.String())
		}
		return int64(f), nil
	case float64:
		if cad != math.Trunc(cad) || math.Abs(cad) > math.MaxInt64 {
			return 0, invalid(strconv.FormatFloat(cad, 'f', -1, 64))
		}
		return int64(cad), nil
	case int:
		return int64(cad), nil
	case int64:
		return cad, nil
	default:
		return 0, invalid(fmt.Sprint(v))
	}
}

func parseNotified(notified map[string]any) (string, error) {
	if len(notified) == 0 {
		return "", missing(FieldNotified)
	}

	date := scalarString(notified["date"])
	if date == "" {
		return "", missing(FieldNotifiedDate)
	}
	clock := scalarString(notified["time"])
	if clock == "" {
		return "", missing(FieldNotifiedTime)
	}

	raw := date + " " + clock
	ts, err := time.Parse(dispatchLayout, raw)
	if err != nil {
		return "", &ValidationError{
			Field:  FieldNotified,
			Value:  raw,
			Reason: "date/time does not match mm/dd/yyyy hh:mm:ss",
		}
	}
	return ts.Format(isoLayout), nil
}

// optional returns v as a string truncated to limit characters, or nil when absent
func optional(v any, limit int) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = Truncate(s, limit)
	return &s
}

// Truncate cuts s to at most limit characters
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]any)
	return child
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
