package task

import "time"

// Filter narrows listings and search results. Zero values match everything.
type Filter struct {
	Priority Priority
	Status   Status
	Category Category
	DueFrom  *time.Time
	DueTo    *time.Time
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.Priority == "" && f.Status == "" && f.Category == "" && f.DueFrom == nil && f.DueTo == nil
}

// Match reports whether r satisfies every set constraint. The due-date range
// is inclusive; records without a due date never match a range.
func (f Filter) Match(r Record) bool {
	if f.Priority != "" && r.Priority != f.Priority {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.DueFrom != nil || f.DueTo != nil {
		if r.DueDate == nil {
			return false
		}
		if f.DueFrom != nil && r.DueDate.Before(*f.DueFrom) {
			return false
		}
		if f.DueTo != nil && r.DueDate.After(*f.DueTo) {
			return false
		}
	}
	return true
}
