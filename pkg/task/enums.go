package task

import "strings"

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In-Progress"
	StatusDone       Status = "Done"
)

// Category groups tasks by area of life.
type Category string

const (
	CategoryWork     Category = "Work"
	CategoryPersonal Category = "Personal"
	CategoryStudy    Category = "Study"
	CategoryHealth   Category = "Health"
	CategoryFinance  Category = "Finance"
	CategoryErrand   Category = "Errand"
	CategoryOther    Category = "Other"
)

var (
	Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}
	Statuses   = []Status{StatusOpen, StatusInProgress, StatusDone}
	Categories = []Category{CategoryWork, CategoryPersonal, CategoryStudy, CategoryHealth, CategoryFinance, CategoryErrand, CategoryOther}
)

// PrioritySynonyms maps loose model vocabulary onto canonical priorities.
var PrioritySynonyms = map[string]Priority{
	"urgent":    PriorityHigh,
	"critical":  PriorityHigh,
	"asap":      PriorityHigh,
	"important": PriorityHigh,
	"highest":   PriorityHigh,
	"normal":    PriorityMedium,
	"moderate":  PriorityMedium,
	"med":       PriorityMedium,
	"average":   PriorityMedium,
	"minor":     PriorityLow,
	"trivial":   PriorityLow,
	"someday":   PriorityLow,
	"lowest":    PriorityLow,
}

// StatusSynonyms maps loose model vocabulary onto canonical statuses.
var StatusSynonyms = map[string]Status{
	"pending":     StatusOpen,
	"todo":        StatusOpen,
	"to do":       StatusOpen,
	"to-do":       StatusOpen,
	"new":         StatusOpen,
	"not started": StatusOpen,
	"doing":       StatusInProgress,
	"started":     StatusInProgress,
	"in progress": StatusInProgress,
	"wip":         StatusInProgress,
	"ongoing":     StatusInProgress,
	"complete":    StatusDone,
	"completed":   StatusDone,
	"finished":    StatusDone,
	"closed":      StatusDone,
}

// ParsePriority matches s case-insensitively against the canonical set.
func ParsePriority(s string) (Priority, bool) {
	key := enumKey(s)
	for _, p := range Priorities {
		if enumKey(string(p)) == key {
			return p, true
		}
	}
	return "", false
}

// ParseStatus matches s case-insensitively against the canonical set.
// Separators are ignored so "in progress" and "IN_PROGRESS" both match.
func ParseStatus(s string) (Status, bool) {
	key := enumKey(s)
	for _, st := range Statuses {
		if enumKey(string(st)) == key {
			return st, true
		}
	}
	return "", false
}

// ParseCategory matches s case-insensitively against the canonical set.
func ParseCategory(s string) (Category, bool) {
	key := enumKey(s)
	for _, c := range Categories {
		if enumKey(string(c)) == key {
			return c, true
		}
	}
	return "", false
}

func enumKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
}
