package store

import (
	"fmt"
	"strings"
)

// TaskScope selects the tasks one user may read: tasks the user created, or
// tasks shared with the user. OwnerOnly narrows to ownership alone ("my
// to-dos"), bypassing shares entirely.
type TaskScope struct {
	OwnerID       string
	SharedTaskIDs []string
	OwnerOnly     bool
}

// FilterAll is the sentinel filter value meaning "no restriction".
const FilterAll = "all"

// TaskQuery is the typed filter set for task listing. Each slot is either
// empty (or FilterAll), meaning no restriction, or a literal value. It
// compiles deterministically into the store's WHERE clause.
type TaskQuery struct {
	Scope    TaskScope
	Status   string
	Priority string
	Category string
	Search   string
}

// Compile renders the query as a WHERE clause body with positional arguments
// numbered from $1. The search condition is its own OR-disjunction ANDed with
// the scope's OR-disjunction: a search can only narrow visibility, never
// widen it.
func (q TaskQuery) Compile() (string, []any) {
	var conds []string
	var args []any

	if q.Scope.OwnerOnly {
		args = append(args, q.Scope.OwnerID)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
	} else {
		args = append(args, q.Scope.OwnerID)
		owner := fmt.Sprintf("created_by = $%d", len(args))
		args = append(args, sharedIDs(q.Scope.SharedTaskIDs))
		conds = append(conds, fmt.Sprintf("(%s OR id = ANY($%d))", owner, len(args)))
	}

	for _, slot := range []struct {
		column string
		value  string
	}{
		{"status", q.Status},
		{"priority", q.Priority},
		{"category", q.Category},
	} {
		if slot.value == "" || slot.value == FilterAll {
			continue
		}
		args = append(args, slot.value)
		conds = append(conds, fmt.Sprintf("%s = $%d", slot.column, len(args)))
	}

	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	return strings.Join(conds, " AND "), args
}

func sharedIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// TaskSort is the ordering applied to task listings.
type TaskSort struct {
	Key  string
	Desc bool
}

var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"dueDate":   "due_date",
	"title":     "title",
	"status":    "status",
	"priority":  "priority",
	"category":  "category",
}

// OrderBy returns a safe ORDER BY body. Unknown sort keys fall back to
// created_at so caller input can never reach the SQL text.
func (s TaskSort) OrderBy() string {
	column, ok := sortColumns[s.Key]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	return column + " " + direction
}
