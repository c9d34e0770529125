package query

import (
	"database/sql"
	"fmt"
	"time"
)

// Result is the output of a query: column names in select order and one
// value slice per row.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Empty reports whether the query returned no rows.
func (r Result) Empty() bool {
	return len(r.Rows) == 0
}

// Maps returns each row keyed by column name.
func (r Result) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			m[col] = row[j]
		}
		out[i] = m
	}
	return out
}

// First returns the first row keyed by column name, or nil.
func (r Result) First() map[string]any {
	if r.Empty() {
		return nil
	}
	return r.Maps()[0]
}

// Classic returns a header row followed by one row of rendered values per
// result row. NULLs render as the empty string. An empty result has no
// header either.
func (r Result) Classic() [][]string {
	if r.Empty() {
		return nil
	}
	out := make([][]string, 0, len(r.Rows)+1)
	out = append(out, append([]string(nil), r.Columns...))
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = Cell(v)
		}
		out = append(out, cells)
	}
	return out
}

// Cell renders one column value for display.
func Cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(DateLayout)
		}
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(val)
	}
}

func scanResult(rows *sql.Rows) (Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("columns: %w", err)
	}
	res := Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}
