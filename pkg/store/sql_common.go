package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const recordColumns = `id, title, description, category, priority, status, due_date, deadline, raw_text, degraded, created_at, updated_at`

// filterClause renders f as a WHERE clause. placeholder formats the n-th
// (1-based) bind parameter for the target dialect and dateArg converts due
// date bounds into the column's bind type.
func filterClause(f task.Filter, placeholder func(n int) string, dateArg func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, placeholder(len(args))))
	}
	if f.Priority != "" {
		add("priority = %s", string(f.Priority))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.Category != "" {
		add("category = %s", string(f.Category))
	}
	if f.DueFrom != nil {
		add("due_date >= %s", dateArg(*f.DueFrom))
	}
	if f.DueTo != nil {
		add("due_date <= %s", dateArg(*f.DueTo))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func dateText(t time.Time) any { return t.Format(task.DateLayout) }

func dateValue(t time.Time) any { return t }
