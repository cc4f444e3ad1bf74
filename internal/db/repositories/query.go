package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Query is a filter over a Collection. Build it with the chaining methods, then run it
// with All, Get or Count. Column names are checked against the collection's columns;
// values are always bound as parameters.
type Query[T any, PT recordPtr[T]] struct {
	c      *Collection[T, PT]
	conds  []string // with ? placeholders
	args   []interface{}
	order  string
	limit  int
	offset int
	empty  bool // no organization context: matches nothing
	err    error
}

// Where adds an equality condition on column
func (q *Query[T, PT]) Where(column string, value interface{}) *Query[T, PT] {
	if !q.checkColumn(column) {
		return q
	}
	q.conds = append(q.conds, column+" = ?")
	q.args = append(q.args, value)
	return q
}

// In restricts column to one of values. An empty list leaves the query unchanged.
func (q *Query[T, PT]) In(column string, values []string) *Query[T, PT] {
	if len(values) == 0 || !q.checkColumn(column) {
		return q
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	q.conds = append(q.conds, column+" IN ("+marks+")")
	for _, v := range values {
		q.args = append(q.args, v)
	}
	return q
}

// Overlapping keeps rows whose [startCol, endCol] interval intersects [from, to]
func (q *Query[T, PT]) Overlapping(startCol, endCol string, from, to time.Time) *Query[T, PT] {
	if !q.checkColumn(startCol) || !q.checkColumn(endCol) {
		return q
	}
	q.conds = append(q.conds, startCol+" <= ?", endCol+" >= ?")
	q.args = append(q.args, to, from)
	return q
}

// Before keeps rows whose column is strictly before t
func (q *Query[T, PT]) Before(column string, t time.Time) *Query[T, PT] {
	if !q.checkColumn(column) {
		return q
	}
	q.conds = append(q.conds, column+" < ?")
	q.args = append(q.args, t)
	return q
}

// OrderBy sorts by column; desc reverses the order
func (q *Query[T, PT]) OrderBy(column string, desc bool) *Query[T, PT] {
	if !q.checkColumn(column) {
		return q
	}
	q.order = column
	if desc {
		q.order += " DESC"
	}
	return q
}

// Limit caps the number of rows returned by All
func (q *Query[T, PT]) Limit(n int) *Query[T, PT] {
	q.limit = n
	return q
}

// Offset skips the first n rows returned by All
func (q *Query[T, PT]) Offset(n int) *Query[T, PT] {
	q.offset = n
	return q
}

// All returns every matching record
func (q *Query[T, PT]) All(ctx context.Context) ([]PT, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.empty {
		return []PT{}, nil
	}

	query, args := q.selectSQL(strings.Join(q.c.columns, ", "))
	if q.order != "" {
		query += " ORDER BY " + q.order
	}
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.offset)
	}

	out := []PT{}
	if err := q.c.db.SelectContext(ctx, &out, q.c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", q.c.record, err)
	}
	return out, nil
}

// Get returns the matching record with id, or nil if none is visible
func (q *Query[T, PT]) Get(ctx context.Context, id string) (PT, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.empty {
		return nil, nil
	}

	conds := append(append([]string{}, q.conds...), "id = ?")
	args := append(append([]interface{}{}, q.args...), id)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(q.c.columns, ", "), q.c.table, strings.Join(conds, " AND "))

	rec := PT(new(T))
	err := q.c.db.GetContext(ctx, rec, q.c.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", q.c.record, err)
	}
	return rec, nil
}

// Count returns the number of matching records
func (q *Query[T, PT]) Count(ctx context.Context) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.empty {
		return 0, nil
	}

	query, args := q.selectSQL("COUNT(*)")
	var n int
	if err := q.c.db.GetContext(ctx, &n, q.c.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.c.record, err)
	}
	return n, nil
}

// CountBy returns the number of matching records per distinct value of column
func (q *Query[T, PT]) CountBy(ctx context.Context, column string) (map[string]int, error) {
	if !q.checkColumn(column) {
		return nil, q.err
	}
	if q.err != nil {
		return nil, q.err
	}
	out := map[string]int{}
	if q.empty {
		return out, nil
	}

	query, args := q.selectSQL(column + ", COUNT(*)")
	query += " GROUP BY " + column

	rows, err := q.c.db.QueryContext(ctx, q.c.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s by %s: %w", q.c.record, column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s counts: %w", q.c.record, err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (q *Query[T, PT]) selectSQL(projection string) (string, []interface{}) {
	query := fmt.Sprintf("SELECT %s FROM %s", projection, q.c.table)
	if len(q.conds) > 0 {
		query += " WHERE " + strings.Join(q.conds, " AND ")
	}
	return query, q.args
}

func (q *Query[T, PT]) checkColumn(column string) bool {
	if q.c.hasColumn(column) {
		return true
	}
	if q.err == nil {
		q.err = fmt.Errorf("unknown column %q for %s", column, q.c.record)
	}
	return false
}
