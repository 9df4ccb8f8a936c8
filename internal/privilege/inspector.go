// Package privilege implements the Privilege Inspector (spec.md §4.2): a
// dialect-aware gate that refuses to run a loader against a source account
// holding anything beyond SELECT and protocol-level connection privileges.
package privilege

import (
	"context"
	"database/sql"
	"sync"

	"loaderengine/internal/domain"
)

// Report is the result of inspecting one source account. A non-empty
// Report blocks execution; the Executor joins Violations into the FAILED
// reason.
type Report struct {
	Violations []string
}

// Clean reports whether the account passed every check.
func (r Report) Clean() bool {
	return len(r.Violations) == 0
}

// ConnectionLookup resolves a source code to its pooled connection and
// dialect, the same contract the Source Registry exposes.
type ConnectionLookup interface {
	Connection(ctx context.Context, sourceCode string) (*sql.DB, domain.DatabaseType, error)
}

// Inspector caches a Report per source code until the caller signals the
// SourceDatabase definition changed via Invalidate.
type Inspector struct {
	mu       sync.Mutex
	reports  map[string]Report
	registry ConnectionLookup
}

// New creates an Inspector over a ConnectionLookup (normally
// *registry.Registry).
func New(lookup ConnectionLookup) *Inspector {
	return &Inspector{
		reports:  make(map[string]Report),
		registry: lookup,
	}
}

// Inspect returns the cached Report for sourceCode, computing it on first
// call or after Invalidate.
func (i *Inspector) Inspect(ctx context.Context, sourceCode string) (Report, error) {
	i.mu.Lock()
	cached, ok := i.reports[sourceCode]
	i.mu.Unlock()
	if ok {
		return cached, nil
	}

	db, dbType, err := i.registry.Connection(ctx, sourceCode)
	if err != nil {
		return Report{}, err
	}

	var report Report
	switch dbType {
	case domain.DatabasePostgreSQL:
		report, err = inspectPostgres(ctx, db)
	case domain.DatabaseMySQL:
		report, err = inspectMySQL(ctx, db)
	default:
		report = Report{Violations: []string{"Unknown DB type — cannot verify privileges"}}
	}
	if err != nil {
		return Report{}, err
	}

	i.mu.Lock()
	i.reports[sourceCode] = report
	i.mu.Unlock()

	return report, nil
}

// Invalidate drops the cached Report for sourceCode, forcing the next
// Inspect call to recompute it.
func (i *Inspector) Invalidate(sourceCode string) {
	i.mu.Lock()
	delete(i.reports, sourceCode)
	i.mu.Unlock()
}
