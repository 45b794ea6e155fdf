package task

import (
	"strings"
	"time"
)

// DateLayout is the calendar date format used for due dates everywhere.
const DateLayout = "2006-01-02"

// Record is a persisted task.
type Record struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    Category   `json:"category"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Deadline    string     `json:"deadline,omitempty"`
	RawText     string     `json:"raw_text"`
	Degraded    bool       `json:"degraded"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.DueDate != nil {
		d := *r.DueDate
		out.DueDate = &d
	}
	return out
}

// DueString renders the due date as YYYY-MM-DD, or "" when unset.
func (r Record) DueString() string {
	if r.DueDate == nil {
		return ""
	}
	return r.DueDate.Format(DateLayout)
}

// CanonicalText is the text an embedding is derived from. Status, deadline
// text, raw input and timestamps are not part of it.
func CanonicalText(r Record) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(r.Title))
	if d := strings.TrimSpace(r.Description); d != "" {
		sb.WriteString(". ")
		sb.WriteString(d)
	}
	sb.WriteString(" | category: ")
	sb.WriteString(string(r.Category))
	sb.WriteString(" | priority: ")
	sb.WriteString(string(r.Priority))
	if due := r.DueString(); due != "" {
		sb.WriteString(" | due: ")
		sb.WriteString(due)
	}
	return sb.String()
}

// CandidateRecord is an unvalidated extraction result. A nil field means the
// model did not supply it.
type CandidateRecord struct {
	Title       *string
	Description *string
	Category    *string
	Priority    *string
	Status      *string
	DueDate     *string
	Deadline    *string

	// FieldErrors holds fields that were present but could not be read as text.
	FieldErrors map[string]string
}

// CandidateFromRecord projects a typed record back into candidate form so it
// can be re-validated after a merge.
func CandidateFromRecord(r Record) CandidateRecord {
	c := CandidateRecord{
		Title:    strPtr(r.Title),
		Category: strPtr(string(r.Category)),
		Priority: strPtr(string(r.Priority)),
		Status:   strPtr(string(r.Status)),
	}
	if r.Description != "" {
		c.Description = strPtr(r.Description)
	}
	if r.DueDate != nil {
		c.DueDate = strPtr(r.DueString())
	}
	if r.Deadline != "" {
		c.Deadline = strPtr(r.Deadline)
	}
	return c
}

// Patch is a sparse update. Nil fields are left untouched.
type Patch struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Category     *string `json:"category,omitempty"`
	Priority     *string `json:"priority,omitempty"`
	Status       *string `json:"status,omitempty"`
	DueDate      *string `json:"due_date,omitempty"`
	Deadline     *string `json:"deadline,omitempty"`
	ClearDueDate bool    `json:"clear_due_date,omitempty"`
}

// Empty reports whether the patch carries no updates.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil && p.Priority == nil &&
		p.Status == nil && p.DueDate == nil && p.Deadline == nil && !p.ClearDueDate
}

// Apply merges the patch onto the candidate projection of r.
func (p Patch) Apply(r Record) CandidateRecord {
	c := CandidateFromRecord(r)
	if p.Title != nil {
		c.Title = p.Title
	}
	if p.Description != nil {
		c.Description = p.Description
	}
	if p.Category != nil {
		c.Category = p.Category
	}
	if p.Priority != nil {
		c.Priority = p.Priority
	}
	if p.Status != nil {
		c.Status = p.Status
	}
	if p.Deadline != nil {
		c.Deadline = p.Deadline
	}
	if p.ClearDueDate {
		c.DueDate = nil
	}
	if p.DueDate != nil {
		c.DueDate = p.DueDate
	}
	return c
}

// VectorEntry ties a record id to the embedding of its canonical text.
type VectorEntry struct {
	ID        int64
	Vector    []float32
	Text      string
	UpdatedAt time.Time
}

// Neighbor is a vector-store hit.
type Neighbor struct {
	ID    int64
	Score float64
}

// Hit is a search result joined back to its record.
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Extraction is the outcome of turning free text into a record.
type Extraction struct {
	Record   Record
	Degraded bool
	Attempts int
	Failures []string
}

func strPtr(s string) *string { return &s }
