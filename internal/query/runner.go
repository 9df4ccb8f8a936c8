// Package query implements the Query Runner (spec.md §4.4): textual
// :fromTime/:toTime binding into a loader's decrypted SQL template,
// executed against the source via the Source Registry's pooled
// connection.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loaderengine/internal/domain"
	"loaderengine/internal/planner"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/secret"
)

// Row is one materialized result row, column name to value.
type Row map[string]any

// ConnectionLookup resolves a source code to its pooled connection and
// dialect, the same contract the Source Registry exposes.
type ConnectionLookup interface {
	Connection(ctx context.Context, sourceCode string) (*sql.DB, domain.DatabaseType, error)
}

// Runner executes a loader's SQL template over its resolved window.
type Runner struct {
	registry ConnectionLookup
	box      *secret.Box
}

// New creates a Runner. box decrypts the loader's SQL template, which is
// only ever held in plaintext for the duration of one Run call.
func New(lookup ConnectionLookup, box *secret.Box) *Runner {
	return &Runner{registry: lookup, box: box}
}

// Run binds window into loader.LoaderSQL and executes it against the
// loader's source, returning fully materialized rows. window arrives in
// UTC; it is translated to source-local instants via SourceTimezoneOffsetHours
// before binding, per spec.md §4.3 step 4. The query timeout is bounded
// by loader.MaxIntervalSeconds per spec.md §4.4.
func (r *Runner) Run(ctx context.Context, loader *domain.Loader, window domain.Window) ([]Row, error) {
	db, dbType, err := r.registry.Connection(ctx, loader.SourceCode)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeSourceUnavailable, "resolve source connection")
	}

	plaintext, err := r.box.Decrypt(loader.LoaderSQL)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "decrypt loader sql")
	}

	sourceWindow := planner.SourceWindow(window, loader.SourceTimezoneOffsetHours)
	bound, err := bindWindow(plaintext, sourceWindow, dbType)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(loader.MaxIntervalSeconds) * time.Second
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, bound)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer rows.Close()

	result, err := materialize(rows)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	return result, nil
}

// bindWindow performs the textual :fromTime/:toTime substitution. Values
// are rendered as dialect-quoted timestamp literals, never as raw
// interpolation of untrusted input — the only input here is the
// template itself, supplied by an already-authenticated operator.
func bindWindow(sqlText string, window domain.Window, dbType domain.DatabaseType) (string, error) {
	from, err := quoteTimestamp(window.From, dbType)
	if err != nil {
		return "", err
	}
	to, err := quoteTimestamp(window.To, dbType)
	if err != nil {
		return "", err
	}

	replacer := strings.NewReplacer(":fromTime", from, ":toTime", to)
	bound := replacer.Replace(sqlText)
	if bound == sqlText && (strings.Contains(sqlText, ":fromTime") || strings.Contains(sqlText, ":toTime")) {
		return "", apperror.New(apperror.CodeSQLSyntax, "loader sql contains no bindable placeholders")
	}
	return bound, nil
}

func quoteTimestamp(t time.Time, dbType domain.DatabaseType) (string, error) {
	switch dbType {
	case domain.DatabasePostgreSQL:
		return fmt.Sprintf("'%s'::timestamptz", t.UTC().Format("2006-01-02 15:04:05")), nil
	case domain.DatabaseMySQL:
		return fmt.Sprintf("'%s'", t.UTC().Format("2006-01-02 15:04:05")), nil
	default:
		return "", apperror.New(apperror.CodeSQLSyntax, fmt.Sprintf("unsupported database type %q", dbType))
	}
}

func materialize(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func classifyQueryError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(err, apperror.CodeTimeout, "query exceeded maxIntervalSeconds")
	}
	if isSyntaxError(err) {
		return apperror.Wrap(err, apperror.CodeSQLSyntax, "source rejected loader sql")
	}
	return apperror.Wrap(err, apperror.CodeSourceUnavailable, "source query failed")
}

// isSyntaxError recognizes the common driver-level syntax/grammar error
// substrings for MySQL and PostgreSQL without importing either driver's
// internal error types.
func isSyntaxError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"syntax error", "you have an error in your sql syntax", "42601", "42p01"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
