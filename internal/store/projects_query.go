package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

const (
	DefaultProjectLimit = 50
	MaxProjectLimit     = 100
)

// sortColumns is the allow-list of sortable keys. Text keys sort case-insensitively.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"date":       "date",
	"name":       "lower(name)",
	"client":     "lower(client)",
}

// ValidSortField reports whether field may be used as ProjectFilter.SortBy.
func ValidSortField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

// ProjectFilter selects, orders and pages projects.
type ProjectFilter struct {
	Search    string
	Client    string
	Tags      []string
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// normalize fills defaults and clamps paging values.
func (f ProjectFilter) normalize() ProjectFilter {
	if !ValidSortField(f.SortBy) {
		f.SortBy = "created_at"
	}
	f.SortOrder = strings.ToLower(f.SortOrder)
	if f.SortOrder != "asc" {
		f.SortOrder = "desc"
	}
	if f.Limit <= 0 {
		f.Limit = DefaultProjectLimit
	}
	if f.Limit > MaxProjectLimit {
		f.Limit = MaxProjectLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type projectQuery struct {
	count string
	data  string
	args  []any
}

// buildProjectQuery renders the count and page queries for a filter. Both
// share the WHERE clause; the page query appends LIMIT/OFFSET arguments.
func buildProjectQuery(filter ProjectFilter) projectQuery {
	f := filter.normalize()

	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if s := strings.TrimSpace(f.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf(
			`(name ILIKE $%d ESCAPE '\' OR description ILIKE $%d ESCAPE '\')`, argIdx, argIdx))
		args = append(args, "%"+escapeLike(s)+"%")
		argIdx++
	}
	if c := strings.TrimSpace(f.Client); c != "" {
		conditions = append(conditions, fmt.Sprintf("lower(client) = lower($%d)", argIdx))
		args = append(args, c)
		argIdx++
	}
	if tags := cleanTags(f.Tags); len(tags) > 0 {
		conditions = append(conditions, fmt.Sprintf("tags && $%d", argIdx))
		args = append(args, tags)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")
	dir := strings.ToUpper(f.SortOrder)

	q := projectQuery{
		count: "SELECT COUNT(*) FROM projects WHERE " + where,
		data: fmt.Sprintf(
			`SELECT %s FROM projects WHERE %s ORDER BY %s %s NULLS LAST, created_at DESC, id LIMIT $%d OFFSET $%d`,
			projectColumns, where, sortColumns[f.SortBy], dir, argIdx, argIdx+1),
	}
	q.args = append(args, f.Limit, f.Offset)
	return q
}

// ListProjects returns one page of projects plus the total number matching the filter.
func (s *PostgresStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]*models.Project, int, error) {
	q := buildProjectQuery(filter)
	whereArgs := q.args[:len(q.args)-2]

	var total int
	if err := s.pool.QueryRow(ctx, q.count, whereArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	rows, err := s.pool.Query(ctx, q.data, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
