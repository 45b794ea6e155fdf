package extract

import (
	"fmt"
	"strings"
)

const systemInstructions = `You convert a person's free-text note into exactly one task as a JSON object.
Reply with the JSON object only: no prose, no Markdown fences, no comments.
Use null for anything the note does not mention. Do not invent due dates.`

// buildPrompt renders the extraction prompt. Feedback from earlier failed
// attempts is appended in order so the model can correct itself.
func buildPrompt(schema, rawText, today string, feedback []string) string {
	var sb strings.Builder
	sb.WriteString(systemInstructions)
	sb.WriteString("\n\nSchema:\n")
	sb.WriteString(schema)
	if today != "" {
		sb.WriteString("\n\nToday is ")
		sb.WriteString(today)
		sb.WriteString(".")
	}
	sb.WriteString("\n\nNote:\n")
	sb.WriteString(rawText)
	if len(feedback) > 0 {
		sb.WriteString("\n\nYour previous answers were rejected:\n")
		for i, f := range feedback {
			sb.WriteString(fmt.Sprintf("- attempt %d: %s\n", i+1, f))
		}
		sb.WriteString("Return a corrected JSON object that satisfies the schema.")
	}
	sb.WriteString("\n\nJSON:")
	return sb.String()
}
