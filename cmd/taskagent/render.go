package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

var (
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var recordHeaders = []string{"ID", "Title", "Category", "Priority", "Status", "Due"}

func recordRow(r task.Record) []string {
	title := r.Title
	if r.Degraded {
		title = degradedStyle.Render(title + " *")
	}
	return []string{
		strconv.FormatInt(r.ID, 10),
		title,
		string(r.Category),
		string(r.Priority),
		string(r.Status),
		r.DueString(),
	}
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(int, int) lipgloss.Style { return cellStyle }).
		Headers(headers...).
		Rows(rows...).
		Render()
}

func (c *cli) printRecords(recs []task.Record) error {
	if c.asJSON {
		return c.printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, emptyStyle.Render("no tasks"))
		return nil
	}
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = recordRow(r)
	}
	fmt.Fprintln(c.out, renderTable(recordHeaders, rows))
	return nil
}

func (c *cli) printHits(hits []task.Hit) error {
	if c.asJSON {
		return c.printJSON(hits)
	}
	if len(hits) == 0 {
		fmt.Fprintln(c.out, emptyStyle.Render("no matches"))
		return nil
	}
	headers := append([]string{"Score"}, recordHeaders...)
	rows := make([][]string, len(hits))
	for i, h := range hits {
		rows[i] = append([]string{fmt.Sprintf("%.3f", h.Score)}, recordRow(h.Record)...)
	}
	fmt.Fprintln(c.out, renderTable(headers, rows))
	return nil
}
