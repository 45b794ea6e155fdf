// Package schema checks candidate task records against the fixed task schema.
package schema

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// Validator turns candidates into typed records. It holds no mutable state and
// is safe for concurrent use.
type Validator struct {
	// RequirePriority rejects candidates without a priority. Enabled by New.
	RequirePriority bool
}

// New returns a validator with the default required fields (title, priority).
func New() *Validator {
	return &Validator{RequirePriority: true}
}

// Validate checks every field of c and returns the typed record or a
// *task.ValidationError listing all violations. Server-assigned fields (id,
// timestamps, raw text) are left zero.
func (v *Validator) Validate(c task.CandidateRecord) (task.Record, error) {
	var (
		rec        task.Record
		violations []task.Violation
	)
	add := func(field, problem string) {
		violations = append(violations, task.Violation{Field: field, Problem: problem})
	}

	for _, field := range slices.Sorted(maps.Keys(c.FieldErrors)) {
		add(field, c.FieldErrors[field])
	}

	switch {
	case c.Title == nil:
		add("title", "required field is missing")
	case strings.TrimSpace(*c.Title) == "":
		add("title", "must not be empty")
	default:
		rec.Title = strings.TrimSpace(*c.Title)
	}

	if c.Description != nil {
		rec.Description = strings.TrimSpace(*c.Description)
	}
	if c.Deadline != nil {
		rec.Deadline = strings.TrimSpace(*c.Deadline)
	}

	switch {
	case c.Priority == nil || strings.TrimSpace(*c.Priority) == "":
		if v == nil || v.RequirePriority {
			add("priority", "required field is missing")
		} else {
			rec.Priority = task.PriorityMedium
		}
	default:
		if p, ok := task.ParsePriority(*c.Priority); ok {
			rec.Priority = p
		} else {
			add("priority", fmt.Sprintf("%q is not one of %s", *c.Priority, joinEnum(task.Priorities)))
		}
	}

	rec.Status = task.StatusOpen
	if c.Status != nil && strings.TrimSpace(*c.Status) != "" {
		if s, ok := task.ParseStatus(*c.Status); ok {
			rec.Status = s
		} else {
			add("status", fmt.Sprintf("%q is not one of %s", *c.Status, joinEnum(task.Statuses)))
		}
	}

	rec.Category = task.CategoryOther
	if c.Category != nil && strings.TrimSpace(*c.Category) != "" {
		if cat, ok := task.ParseCategory(*c.Category); ok {
			rec.Category = cat
		} else {
			add("category", fmt.Sprintf("%q is not one of %s", *c.Category, joinEnum(task.Categories)))
		}
	}

	if c.DueDate != nil && strings.TrimSpace(*c.DueDate) != "" {
		if d, err := ParseDate(*c.DueDate); err == nil {
			rec.DueDate = &d
		} else {
			add("due_date", err.Error())
		}
	}

	if len(violations) > 0 {
		return task.Record{}, &task.ValidationError{Violations: violations}
	}
	return rec, nil
}

// ValidateRecord re-checks a merged record and returns it with canonical
// enum casing. Identity, timestamps and raw text are carried over from r.
func (v *Validator) ValidateRecord(r task.Record) (task.Record, error) {
	out, err := v.Validate(task.CandidateFromRecord(r))
	if err != nil {
		return task.Record{}, err
	}
	out.ID = r.ID
	out.RawText = r.RawText
	out.Degraded = r.Degraded
	out.CreatedAt = r.CreatedAt
	out.UpdatedAt = r.UpdatedAt
	return out, nil
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the
// calendar date at UTC midnight. Impossible dates such as 2025-02-30 fail.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(task.DateLayout, s); err == nil {
		return d, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%q is not a valid calendar date (want YYYY-MM-DD)", s)
}

// Describe renders the schema for inclusion in extraction prompts.
func (v *Validator) Describe() string {
	required := "title"
	if v == nil || v.RequirePriority {
		required = "title, priority"
	}
	var sb strings.Builder
	sb.WriteString("{\n")
	sb.WriteString(`  "title": string (short imperative summary, non-empty),` + "\n")
	sb.WriteString(`  "description": string or null,` + "\n")
	sb.WriteString(`  "category": one of ` + joinEnum(task.Categories) + ",\n")
	sb.WriteString(`  "priority": one of ` + joinEnum(task.Priorities) + ",\n")
	sb.WriteString(`  "status": one of ` + joinEnum(task.Statuses) + ` (default "Open"),` + "\n")
	sb.WriteString(`  "due_date": "YYYY-MM-DD" or null,` + "\n")
	sb.WriteString(`  "deadline": string or null (the deadline as the user phrased it)` + "\n")
	sb.WriteString("}\n")
	sb.WriteString("Required: " + required + ".")
	return sb.String()
}

func joinEnum[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
