package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

func fixedNormalizer() *Normalizer {
	return &Normalizer{Now: func() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }}
}

func TestNormalizeProseAndFences(t *testing.T) {
	raw := "Sure! Here is the task:\n```json\n{\"title\": \"Buy milk\", \"priority\": \"urgent\"}\n```\nLet me know if you need anything else {ok}."
	c, err := fixedNormalizer().Normalize(raw)
	require.NoError(t, err)
	require.NotNil(t, c.Title)
	assert.Equal(t, "Buy milk", *c.Title)
	require.NotNil(t, c.Priority)
	assert.Equal(t, "High", *c.Priority)
}

func TestNormalizeRepairs(t *testing.T) {
	cases := map[string]string{
		"trailing comma":   `{"title": "Pay rent", "priority": "High",}`,
		"smart quotes":     `{“title”: “Pay rent”, “priority”: “High”}`,
		"unterminated":     `{"title": "Pay rent", "priority": "High`,
		"missing brace":    `{"title": "Pay rent", "priority": "High"`,
		"python literals":  `{"title": "Pay rent", "priority": "High", "due_date": None, "done": False}`,
		"nested envelope":  `{"task": {"title": "Pay rent", "priority": "High"}}`,
		"brace in string":  `{"title": "Pay rent", "priority": "High", "description": "use {braces}"}`,
		"escaped quote":    `{"title": "Pay \"rent\"", "priority": "High"}`,
		"mixed quotes":     `{“title": "Pay rent”, "priority": “High"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := fixedNormalizer().Normalize(raw)
			require.NoError(t, err)
			require.NotNil(t, c.Title)
			assert.Contains(t, *c.Title, "Pay")
			require.NotNil(t, c.Priority)
			assert.Equal(t, "High", *c.Priority)
		})
	}
}

func TestNormalizeKeepsCurlyQuotesInsideStrings(t *testing.T) {
	cases := map[string]struct {
		raw   string
		title string
	}{
		"ascii delimiters": {`{"title": "Read “Dune” chapter 3", "priority": "High"}`, `Read "Dune" chapter 3`},
		"curly delimiters": {`{“title”: “Read "Dune" chapter 3”, “priority”: “High”}`, `Read "Dune" chapter 3`},
		"apostrophe":       {`{"title": "Call mom’s dentist", "priority": "High"}`, "Call mom’s dentist"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := fixedNormalizer().Normalize(tc.raw)
			require.NoError(t, err)
			require.NotNil(t, c.Title)
			assert.Equal(t, tc.title, *c.Title)
			require.NotNil(t, c.Priority)
			assert.Equal(t, "High", *c.Priority)
		})
	}
}

func TestNormalizeNoPayload(t *testing.T) {
	_, err := fixedNormalizer().Normalize("I could not understand that note, sorry.")
	var nerr *task.NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.NotEmpty(t, nerr.Reason)
}

func TestNormalizeAliasesAndSynonyms(t *testing.T) {
	raw := `{"Name": "Call mom", "Urgency": "normal", "state": "wip", "notes": "about the trip", "due": "tomorrow", "type": "personal"}`
	c, err := fixedNormalizer().Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Call mom", *c.Title)
	assert.Equal(t, "Medium", *c.Priority)
	assert.Equal(t, "In-Progress", *c.Status)
	assert.Equal(t, "about the trip", *c.Description)
	assert.Equal(t, "2025-03-11", *c.DueDate)
	assert.Equal(t, "personal", *c.Category)
}

func TestNormalizeCanonicalKeyWins(t *testing.T) {
	c, err := fixedNormalizer().Normalize(`{"title": "Real", "name": "Alias", "priority": "Low"}`)
	require.NoError(t, err)
	assert.Equal(t, "Real", *c.Title)

	c, err = fixedNormalizer().Normalize(`{"name": "Alias", "title": "Real", "priority": "Low"}`)
	require.NoError(t, err)
	assert.Equal(t, "Real", *c.Title)
}

func TestNormalizeFieldProblems(t *testing.T) {
	c, err := fixedNormalizer().Normalize(`{"title": ["a", "b"], "priority": 2, "due_date": "none"}`)
	require.NoError(t, err)
	assert.Nil(t, c.Title)
	assert.Contains(t, c.FieldErrors, "title")
	require.NotNil(t, c.Priority)
	assert.Equal(t, "2", *c.Priority)
	assert.Nil(t, c.DueDate)
}

func TestNormalizeDeadlineFillsDueDate(t *testing.T) {
	c, err := fixedNormalizer().Normalize(`{"title": "Submit form", "priority": "High", "deadline": "today"}`)
	require.NoError(t, err)
	require.NotNil(t, c.DueDate)
	assert.Equal(t, "2025-03-10", *c.DueDate)
	assert.Equal(t, "today", *c.Deadline)
}
