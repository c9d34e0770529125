// Package query runs parameterized SQL templates against the store.
//
// Templates are text/template documents. Values never reach the SQL text:
// the param and in functions append bind arguments and emit placeholders,
// so a rendered query is always a fixed statement plus an argument list.
//
//	SELECT id, js FROM clients
//	WHERE id = {{ param .ident_id }}
//	  AND visited BETWEEN {{ param (periodFrom "prev-week") }}
//	                  AND {{ param (periodTo "prev-week") }}
//
// A reference ending in .sql names a file in the template directory; any
// other reference is inline SQL. Inline SQL may include files with
// {{ template "records.sql" . }}.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"path"
	"reflect"
	"strings"
	"text/template"
	"time"
)

// Querier executes rendered SQL. *store.Store satisfies it and rebinds ?
// placeholders for its dialect.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the time source used for period functions and .now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner renders and executes query templates. Safe for concurrent use.
type Runner struct {
	db     Querier
	base   *template.Template
	now    func() time.Time
	logger *slog.Logger
}

// NewRunner parses every .sql file under fsys (which may be nil) and returns
// a Runner executing against db.
func NewRunner(db Querier, fsys fs.FS, opts ...Option) (*Runner, error) {
	r := &Runner{
		db:     db,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.base = template.New("").Funcs((&binder{}).funcs(r.now())).Option("missingkey=error")
	if fsys == nil {
		return r, nil
	}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".sql" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		if _, err := r.base.New(p).Parse(string(data)); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load query templates: %w", err)
	}
	return r, nil
}

// Has reports whether ref is inline SQL or a known template file.
func (r *Runner) Has(ref string) bool {
	if !IsFileRef(ref) {
		return strings.TrimSpace(ref) != ""
	}
	return r.base.Lookup(ref) != nil
}

// IsFileRef reports whether ref names a template file rather than inline SQL.
func IsFileRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.HasSuffix(ref, ".sql") && !strings.ContainsAny(ref, " \n\t")
}

// Render expands ref with params into SQL text and bind arguments.
// params is exposed as the template's dot, with .now added.
func (r *Runner) Render(ref string, params map[string]any) (string, []any, error) {
	t, err := r.base.Clone()
	if err != nil {
		return "", nil, fmt.Errorf("render %s: %w", refName(ref), err)
	}
	now := r.now()
	b := &binder{}
	t.Funcs(b.funcs(now))

	name := strings.TrimSpace(ref)
	if !IsFileRef(ref) {
		name = "inline"
		if _, err := t.New(name).Parse(ref); err != nil {
			return "", nil, fmt.Errorf("render inline: %w", err)
		}
	} else if t.Lookup(name) == nil {
		return "", nil, fmt.Errorf("render %s: template not found", name)
	}

	data := make(map[string]any, len(params)+1)
	maps.Copy(data, params)
	if _, ok := data["now"]; !ok {
		data["now"] = now
	}

	var buf strings.Builder
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", nil, fmt.Errorf("render %s: %w", refName(ref), err)
	}
	return strings.TrimSpace(buf.String()), b.args, nil
}

// Run renders ref and executes it, returning every row.
func (r *Runner) Run(ctx context.Context, ref string, params map[string]any) (Result, error) {
	q, args, err := r.Render(ref, params)
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("running query", "ref", refName(ref), "args", len(args))

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return Result{}, fmt.Errorf("query %s: %w", refName(ref), err)
	}
	defer rows.Close()

	res, err := scanResult(rows)
	if err != nil {
		return Result{}, fmt.Errorf("query %s: %w", refName(ref), err)
	}
	return res, nil
}

func refName(ref string) string {
	if IsFileRef(ref) {
		return strings.TrimSpace(ref)
	}
	return "inline"
}

// binder collects bind arguments during one template execution.
type binder struct {
	args []any
}

func (b *binder) funcs(now time.Time) template.FuncMap {
	return template.FuncMap{
		"param": func(v any) string {
			b.args = append(b.args, v)
			return "?"
		},
		"in": func(v any) (string, error) {
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return "", fmt.Errorf("in: expected a list, got %T", v)
			}
			if rv.Len() == 0 {
				// IN () is invalid SQL; NULL matches nothing.
				return "NULL", nil
			}
			marks := make([]string, rv.Len())
			for i := range marks {
				b.args = append(b.args, rv.Index(i).Interface())
				marks[i] = "?"
			}
			return strings.Join(marks, ", "), nil
		},
		"periodFrom": func(name string) (string, error) {
			from, _, err := Period(name, now)
			return from.Format(DateLayout), err
		},
		"periodTo": func(name string) (string, error) {
			_, to, err := Period(name, now)
			return to.Format(DateLayout), err
		},
	}
}
