// Package assignment models one version of a data-point assignment: the
// record that says which field is collected for which entity, how often, and
// over which date window. The backend stores an append-only history per
// series; exactly one version of a series is active at a time.
package assignment

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type SeriesStatus string

const (
	StatusActive     SeriesStatus = "active"
	StatusSuperseded SeriesStatus = "superseded"
	StatusDraft      SeriesStatus = "draft"
)

func ParseSeriesStatus(s string) (SeriesStatus, error) {
	switch SeriesStatus(strings.TrimSpace(strings.ToLower(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusSuperseded:
		return StatusSuperseded, nil
	case StatusDraft:
		return StatusDraft, nil
	}
	return "", fmt.Errorf("invalid series status: %q", s)
}

func (s SeriesStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusDraft:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status may move to next. Superseded is
// terminal: the audit trail is append-only and a superseded version is never
// reactivated. Every other transition, including a no-op, is allowed.
func (s SeriesStatus) CanTransitionTo(next SeriesStatus) bool {
	if !next.IsValid() {
		return false
	}
	if s == StatusSuperseded && next == StatusActive {
		return false
	}
	return true
}

type Frequency string

const (
	FrequencyOnce      Frequency = "Once"
	FrequencyDaily     Frequency = "Daily"
	FrequencyWeekly    Frequency = "Weekly"
	FrequencyMonthly   Frequency = "Monthly"
	FrequencyQuarterly Frequency = "Quarterly"
	FrequencyAnnual    Frequency = "Annual"
	FrequencyBiennial  Frequency = "Biennial"
)

var frequencies = map[Frequency]struct{}{
	FrequencyOnce:      {},
	FrequencyDaily:     {},
	FrequencyWeekly:    {},
	FrequencyMonthly:   {},
	FrequencyQuarterly: {},
	FrequencyAnnual:    {},
	FrequencyBiennial:  {},
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.TrimSpace(s))
	if _, ok := frequencies[f]; ok {
		return f, nil
	}
	// Accept any casing from CSV imports.
	for known := range frequencies {
		if strings.EqualFold(string(known), string(f)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("invalid frequency: %q", s)
}

func (f Frequency) IsValid() bool {
	_, ok := frequencies[f]
	return ok
}

// Version is one concrete assignment record within a series.
type Version struct {
	ID            string       `json:"id"`
	SeriesID      uuid.UUID    `json:"data_series_id"`
	SeriesVersion int          `json:"series_version"`
	SeriesStatus  SeriesStatus `json:"series_status"`
	FieldID       string       `json:"field_id"`
	EntityID      string       `json:"entity_id"`
	Frequency     Frequency    `json:"frequency"`
	StartDate     Date         `json:"start_date,omitempty"`
	EndDate       Date         `json:"end_date,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// Window returns the effective date interval, substituting the sentinels for
// open boundaries.
func (v *Version) Window() (Date, Date) {
	start, end := v.StartDate, v.EndDate
	if start.IsZero() {
		start = WindowFloor
	}
	if end.IsZero() {
		end = WindowCeil
	}
	return start, end
}

// Covers reports whether d falls inside the version's window, boundaries
// inclusive.
func (v *Version) Covers(d Date) bool {
	start, end := v.Window()
	return !d.Before(start) && !d.After(end)
}

// Overlaps reports whether two versions' windows intersect:
// start1 <= end2 && start2 <= end1.
func (v *Version) Overlaps(other *Version) bool {
	s1, e1 := v.Window()
	s2, e2 := other.Window()
	return !s1.After(e2) && !s2.After(e1)
}
