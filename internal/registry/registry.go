// Package registry implements the Source Registry (spec.md §4.1): a
// per-process cache of pooled connections to loader source databases, keyed
// by source code, built lazily and invalidated atomically when a
// SourceDatabase definition changes.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"loaderengine/internal/domain"
	"loaderengine/internal/store"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/logger"
	"loaderengine/pkg/secret"
)

// SourceLookup is the subset of LoaderStore the registry needs to resolve a
// source code into its connection descriptor.
type SourceLookup interface {
	GetSourceDatabase(ctx context.Context, sourceCode string) (*domain.SourceDatabase, error)
}

var _ SourceLookup = (*store.LoaderStore)(nil)

type pooledSource struct {
	db   *sql.DB
	typ  domain.DatabaseType
	desc domain.SourceDatabase
}

// Registry caches one pooled *sql.DB per sourceCode. Connection failures
// are never cached: every call that cannot open or ping a pool returns
// SOURCE_UNAVAILABLE and the next call tries again from scratch.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*pooledSource

	lookup    SourceLookup
	box       *secret.Box
	poolMax   int
	drainWait time.Duration
}

// New creates a Registry. poolMax bounds each source's connection pool
// (spec.md §4.1's "small fixed ceiling"); drainWait is how long an
// invalidated pool is kept open for in-flight borrows before being closed.
func New(lookup SourceLookup, box *secret.Box, poolMax int) *Registry {
	if poolMax <= 0 {
		poolMax = 4
	}
	return &Registry{
		sources:   make(map[string]*pooledSource),
		lookup:    lookup,
		box:       box,
		poolMax:   poolMax,
		drainWait: 30 * time.Second,
	}
}

// Connection returns the pooled connection for sourceCode, building and
// caching it on first use.
func (r *Registry) Connection(ctx context.Context, sourceCode string) (*sql.DB, domain.DatabaseType, error) {
	r.mu.RLock()
	cached, ok := r.sources[sourceCode]
	r.mu.RUnlock()
	if ok {
		return cached.db, cached.typ, nil
	}

	desc, err := r.lookup.GetSourceDatabase(ctx, sourceCode)
	if err != nil {
		return nil, domain.DatabaseUnknown, apperror.Wrap(err, apperror.CodeSourceUnavailable,
			fmt.Sprintf("source database %q descriptor unavailable", sourceCode))
	}

	password, err := r.box.Decrypt(desc.Password)
	if err != nil {
		return nil, domain.DatabaseUnknown, apperror.Wrap(err, apperror.CodeInternal, "decrypt source password")
	}

	db, err := openPool(desc, password, r.poolMax)
	if err != nil {
		return nil, domain.DatabaseUnknown, apperror.Wrap(err, apperror.CodeSourceUnavailable,
			fmt.Sprintf("source database %q unreachable", sourceCode))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, domain.DatabaseUnknown, apperror.Wrap(err, apperror.CodeSourceUnavailable,
			fmt.Sprintf("source database %q unreachable", sourceCode))
	}

	entry := &pooledSource{db: db, typ: desc.Type, desc: *desc}

	r.mu.Lock()
	r.sources[sourceCode] = entry
	r.mu.Unlock()

	return db, desc.Type, nil
}

// Invalidate replaces sourceCode's cached pool with a fresh one the next
// time Connection is called, and drains the old pool in the background
// after a grace period for in-flight borrows to return.
func (r *Registry) Invalidate(sourceCode string) {
	r.mu.Lock()
	old, ok := r.sources[sourceCode]
	delete(r.sources, sourceCode)
	r.mu.Unlock()

	if !ok {
		return
	}
	go func() {
		time.Sleep(r.drainWait)
		if err := old.db.Close(); err != nil {
			logger.Log.Warn("error draining invalidated source pool", "source_code", sourceCode, "error", err)
		}
	}()
}

// Close shuts down every cached pool, for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, p := range r.sources {
		if err := p.db.Close(); err != nil {
			logger.Log.Warn("error closing source pool", "source_code", code, "error", err)
		}
	}
	r.sources = make(map[string]*pooledSource)
}

func openPool(desc *domain.SourceDatabase, password string, poolMax int) (*sql.DB, error) {
	var driverName, dsn string

	switch desc.Type {
	case domain.DatabaseMySQL:
		driverName = "mysql"
		mysqlCfg := mysqldriver.NewConfig()
		mysqlCfg.User = desc.Username
		mysqlCfg.Passwd = password
		mysqlCfg.Net = "tcp"
		mysqlCfg.Addr = fmt.Sprintf("%s:%d", desc.Host, desc.Port)
		mysqlCfg.DBName = desc.Database
		mysqlCfg.ParseTime = true
		mysqlCfg.ReadTimeout = 30 * time.Second
		dsn = mysqlCfg.FormatDSN()
	case domain.DatabasePostgreSQL:
		driverName = "postgres"
		pgURL := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(desc.Username, password),
			Host:   fmt.Sprintf("%s:%d", desc.Host, desc.Port),
			Path:   "/" + desc.Database,
		}
		q := url.Values{}
		q.Set("sslmode", "require")
		q.Set("default_transaction_read_only", "on")
		pgURL.RawQuery = q.Encode()
		dsn = pgURL.String()
	default:
		return nil, fmt.Errorf("unsupported source database type %q", desc.Type)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)
	db.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
