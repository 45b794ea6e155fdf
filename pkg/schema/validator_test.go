package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

func s(v string) *string { return &v }

func TestValidateNormalizesEnumCasing(t *testing.T) {
	rec, err := New().Validate(task.CandidateRecord{
		Title:    s("  Buy milk "),
		Priority: s("hIGH"),
		Status:   s("in_progress"),
		Category: s("errand"),
		DueDate:  s("2025-11-10"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Buy milk", rec.Title)
	assert.Equal(t, task.PriorityHigh, rec.Priority)
	assert.Equal(t, task.StatusInProgress, rec.Status)
	assert.Equal(t, task.CategoryErrand, rec.Category)
	require.NotNil(t, rec.DueDate)
	assert.Equal(t, time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC), *rec.DueDate)
}

func TestValidateDefaults(t *testing.T) {
	rec, err := New().Validate(task.CandidateRecord{Title: s("Buy milk"), Priority: s("High")})
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, rec.Status)
	assert.Equal(t, task.CategoryOther, rec.Category)
	assert.Nil(t, rec.DueDate)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	_, err := New().Validate(task.CandidateRecord{
		Title:       s("   "),
		Priority:    s("sometime"),
		Status:      s("blocked"),
		DueDate:     s("2025-02-30"),
		FieldErrors: map[string]string{"description": "expected text, got object"},
	})
	var verr *task.ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"description", "title", "priority", "status", "due_date"}, fields)
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := New().Validate(task.CandidateRecord{})
	var verr *task.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestValidateOptionalPriority(t *testing.T) {
	v := &Validator{}
	rec, err := v.Validate(task.CandidateRecord{Title: s("Call mom")})
	require.NoError(t, err)
	assert.Equal(t, task.PriorityMedium, rec.Priority)
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	c := task.CandidateRecord{Title: s(" x "), Priority: s("low")}
	_, err := New().Validate(c)
	require.NoError(t, err)
	assert.Equal(t, " x ", *c.Title)
	assert.Equal(t, "low", *c.Priority)
}

func TestValidatePastDueDateAllowed(t *testing.T) {
	rec, err := New().Validate(task.CandidateRecord{Title: s("Pay rent"), Priority: s("High"), DueDate: s("1999-01-01T10:00:00Z")})
	require.NoError(t, err)
	assert.Equal(t, "1999-01-01", rec.DueString())
}

func TestValidateRecordKeepsServerFields(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	in := task.Record{ID: 7, Title: "Plan trip", Priority: "medium", Status: "done", Category: "personal", RawText: "plan a trip", CreatedAt: created, UpdatedAt: created}
	out, err := New().ValidateRecord(in)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.ID)
	assert.Equal(t, task.StatusDone, out.Status)
	assert.Equal(t, "plan a trip", out.RawText)
	assert.Equal(t, created, out.CreatedAt)
}
