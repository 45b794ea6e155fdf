// Package intake splits plain-text or Markdown to-do lists into individual
// task descriptions for batch ingestion.
package intake

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// Item is one task description found in a list.
type Item struct {
	Text string
	// Done is set for checked Markdown boxes ("- [x] ...").
	Done bool
	// Line is the 1-based line the item starts on.
	Line int
}

var (
	whitespaceRegexp = regexp.MustCompile(`\s+`)
	bulletRegexp     = regexp.MustCompile(`^(?:[-*+•]|\d+[.)])\s+`)
	checkboxRegexp   = regexp.MustCompile(`^\[([ xX])\]\s*`)
)

// Split reads r and returns one item per bullet or non-blank line. Headings
// are skipped and indented lines without a bullet continue the previous item.
func Split(r io.Reader) ([]Item, error) {
	var (
		items []Item
		cur   *Item
		line  int
	)
	flush := func() {
		if cur != nil {
			cur.Text = normalizeWhitespace(cur.Text)
			if cur.Text != "" {
				items = append(items, *cur)
			}
			cur = nil
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			flush()
			continue
		case strings.HasPrefix(trimmed, "#"):
			flush()
			continue
		}

		indented := raw != strings.TrimLeft(raw, " \t")
		marker := bulletRegexp.FindString(trimmed)
		body, bullet := trimmed[len(marker):], marker != ""
		if indented && !bullet && cur != nil {
			cur.Text += " " + trimmed
			continue
		}

		flush()
		item := Item{Line: line}
		if m := checkboxRegexp.FindStringSubmatch(body); m != nil {
			item.Done = m[1] != " "
			body = body[len(m[0]):]
		}
		item.Text = body
		cur = &item
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return items, nil
}

func normalizeWhitespace(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	return whitespaceRegexp.ReplaceAllString(trimmed, " ")
}
