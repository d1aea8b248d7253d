package assignment

// FiscalYear is the company's reporting window. Either boundary may be
// unset; an unset boundary does not constrain.
type FiscalYear struct {
	StartDate Date `json:"fy_start_date"`
	EndDate   Date `json:"fy_end_date"`
}

// Contains reports whether d falls inside the fiscal-year window,
// boundaries inclusive.
func (fy *FiscalYear) Contains(d Date) bool {
	if !fy.StartDate.IsZero() && d.Before(fy.StartDate) {
		return false
	}
	if !fy.EndDate.IsZero() && d.After(fy.EndDate) {
		return false
	}
	return true
}

// FrequencyValidation is the backend's verdict on whether a set of proposed
// assignments is frequency-compatible with the computed fields that consume
// them.
type FrequencyValidation struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}
