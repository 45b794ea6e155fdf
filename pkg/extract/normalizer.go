package extract

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// keyAliases maps lower-cased payload keys onto candidate fields. Canonical
// keys map to themselves and win over aliases when both appear.
var keyAliases = map[string]string{
	"title":        "title",
	"name":         "title",
	"task":         "title",
	"summary":      "title",
	"description":  "description",
	"notes":        "description",
	"details":      "description",
	"category":     "category",
	"type":         "category",
	"priority":     "priority",
	"urgency":      "priority",
	"status":       "status",
	"state":        "status",
	"due_date":     "due_date",
	"duedate":      "due_date",
	"due":          "due_date",
	"due_date_iso": "due_date",
	"date":         "due_date",
	"deadline":     "deadline",
}

var curlyDoubleQuotes = []string{"“", "”", "„", "‟", "″"}

// straightQuotes is the fallback for output that mixes curly and ASCII
// delimiters.
var straightQuotes = strings.NewReplacer("“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`)

// Normalizer locates and repairs a JSON task object inside free-form model
// output. It is stateless apart from the clock and safe for concurrent use.
type Normalizer struct {
	// Now resolves relative due dates such as "tomorrow". Defaults to time.Now.
	Now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize turns raw model output into a candidate record. It fails with a
// *task.NormalizationError only when no object can be recovered at all;
// field-level problems are left for the validator.
func (n *Normalizer) Normalize(raw string) (task.CandidateRecord, error) {
	text := stripFences(raw)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return task.CandidateRecord{}, &task.NormalizationError{Reason: "no JSON object found in model output", Output: snippet(raw)}
	}
	payload := repair(text[start:])
	if !gjson.Valid(payload) {
		if alt := repair(straightQuotes.Replace(text[start:])); gjson.Valid(alt) {
			payload = alt
		}
	}
	if !gjson.Valid(payload) {
		return task.CandidateRecord{}, &task.NormalizationError{Reason: "payload is not valid JSON after repair", Output: snippet(payload)}
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return task.CandidateRecord{}, &task.NormalizationError{Reason: "payload is not a JSON object", Output: snippet(payload)}
	}
	root = unwrap(root)
	return n.fields(root), nil
}

func (n *Normalizer) fields(root gjson.Result) task.CandidateRecord {
	var c task.CandidateRecord
	canonical := map[string]bool{}

	root.ForEach(func(key, value gjson.Result) bool {
		k := strings.ToLower(strings.TrimSpace(key.String()))
		field, ok := keyAliases[k]
		if !ok {
			return true
		}
		isCanonical := k == field
		if canonical[field] && !isCanonical {
			return true
		}
		text, present, problem := scalarText(value)
		if problem != "" {
			if c.FieldErrors == nil {
				c.FieldErrors = map[string]string{}
			}
			c.FieldErrors[field] = problem
			return true
		}
		if !present {
			return true
		}
		if isCanonical {
			canonical[field] = true
		}
		if c.FieldErrors != nil {
			delete(c.FieldErrors, field)
		}
		v := text
		switch field {
		case "title":
			c.Title = &v
		case "description":
			c.Description = &v
		case "category":
			c.Category = &v
		case "priority":
			v = canonicalPriority(v)
			c.Priority = &v
		case "status":
			v = canonicalStatus(v)
			c.Status = &v
		case "due_date":
			if d, ok := n.dueDate(v); ok {
				c.DueDate = &d
			}
		case "deadline":
			c.Deadline = &v
		}
		return true
	})

	// A deadline phrase like "tomorrow" doubles as a due date when none was given.
	if c.DueDate == nil && c.Deadline != nil {
		if d, ok := n.relativeDate(*c.Deadline); ok {
			c.DueDate = &d
		}
	}
	return c
}

func (n *Normalizer) dueDate(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "null", "n/a", "na", "unknown", "no due date":
		return "", false
	}
	if d, ok := n.relativeDate(v); ok {
		return d, true
	}
	return strings.TrimSpace(v), true
}

func (n *Normalizer) relativeDate(v string) (string, bool) {
	now := time.Now
	if n != nil && n.Now != nil {
		now = n.Now
	}
	today := now()
	var offset int
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "today", "tonight":
		offset = 0
	case "tomorrow":
		offset = 1
	case "yesterday":
		offset = -1
	default:
		return "", false
	}
	return today.AddDate(0, 0, offset).Format(task.DateLayout), true
}

func canonicalPriority(v string) string {
	if p, ok := task.PrioritySynonyms[strings.ToLower(strings.TrimSpace(v))]; ok {
		return string(p)
	}
	return v
}

func canonicalStatus(v string) string {
	if s, ok := task.StatusSynonyms[strings.ToLower(strings.TrimSpace(v))]; ok {
		return string(s)
	}
	return v
}

// scalarText reads a JSON value as text. Null counts as absent; objects and
// arrays are reported as problems.
func scalarText(v gjson.Result) (text string, present bool, problem string) {
	switch v.Type {
	case gjson.Null:
		return "", false, ""
	case gjson.String:
		return v.String(), true, ""
	case gjson.Number, gjson.True, gjson.False:
		return v.Raw, true, ""
	default:
		if v.IsArray() {
			return "", false, "expected text, got array"
		}
		return "", false, "expected text, got object"
	}
}

// unwrap descends into {"task": {...}} style envelopes.
func unwrap(root gjson.Result) gjson.Result {
	var (
		only  gjson.Result
		count int
	)
	root.ForEach(func(_, value gjson.Result) bool {
		count++
		only = value
		return count < 2
	})
	if count == 1 && only.IsObject() && only.Get("title").Exists() {
		return only
	}
	return root
}

func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	return strings.ReplaceAll(s, "```", "")
}

// repair cuts the first balanced object out of s and fixes trailing commas,
// Python literals, curly quotes and unterminated strings or brackets along
// the way. A curly double quote outside a string delimits one; inside a
// string opened by an ASCII quote it is escaped as part of the text.
func repair(s string) string {
	var (
		out      strings.Builder
		stack    []byte
		inString bool
		curly    bool
		escaped  bool
	)
	out.Grow(len(s) + 4)

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
				out.WriteByte(ch)
				continue
			}
			if n := curlyQuoteLen(s[i:]); n > 0 {
				if curly {
					inString, curly = false, false
					out.WriteByte('"')
				} else {
					out.WriteString(`\"`)
				}
				i += n - 1
				continue
			}
			switch {
			case ch == '\\':
				escaped = true
				out.WriteByte(ch)
			case ch == '"' && curly:
				out.WriteString(`\"`)
			case ch == '"':
				inString = false
				out.WriteByte(ch)
			default:
				out.WriteByte(ch)
			}
			continue
		}
		if n := curlyQuoteLen(s[i:]); n > 0 {
			inString, curly = true, true
			out.WriteByte('"')
			i += n - 1
			continue
		}
		switch ch {
		case '"':
			inString = true
			out.WriteByte(ch)
		case '{', '[':
			stack = append(stack, ch)
			out.WriteByte(ch)
		case '}', ']':
			trimTrailingComma(&out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			out.WriteByte(ch)
			if len(stack) == 0 {
				return out.String()
			}
		case 'N', 'T', 'F':
			if lit, word := pythonLiteral(s[i:]); lit != "" {
				out.WriteString(lit)
				i += len(word) - 1
				continue
			}
			out.WriteByte(ch)
		default:
			out.WriteByte(ch)
		}
	}

	if inString {
		out.WriteByte('"')
	}
	trimTrailingComma(&out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out.WriteByte('}')
		} else {
			out.WriteByte(']')
		}
	}
	return out.String()
}

func curlyQuoteLen(s string) int {
	for _, q := range curlyDoubleQuotes {
		if strings.HasPrefix(s, q) {
			return len(q)
		}
	}
	return 0
}

func pythonLiteral(s string) (string, string) {
	for word, lit := range map[string]string{"None": "null", "True": "true", "False": "false"} {
		if strings.HasPrefix(s, word) && (len(s) == len(word) || !isIdentByte(s[len(word)])) {
			return lit, word
		}
	}
	return "", ""
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func trimTrailingComma(b *strings.Builder) {
	cur := b.String()
	trimmed := strings.TrimRight(cur, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		trimmed = trimmed[:len(trimmed)-1]
		b.Reset()
		b.WriteString(trimmed)
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
