// Package source reads the clinical record from the hospital
// information system. All access is read-only and keyed by the
// encounter identity.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
)

var (
	// ErrSourceUnavailable marks a transient source-store failure,
	// retried with backoff at query granularity.
	ErrSourceUnavailable = errors.New("clinical source store unavailable")

	// ErrSectionTruncated marks a section payload that landed at the
	// configured result-size ceiling. The ceiling is assumed adequate;
	// hitting it means server-side truncation and the aggregation
	// fails loudly rather than scoring a cut record.
	ErrSectionTruncated = errors.New("section result at size ceiling, likely truncated")
)

// Store wraps the read-only connection pool to the clinical database.
type Store struct {
	pool   *pgxpool.Pool
	sector string
}

// New connects to the clinical database. Each session gets the
// configured statement timeout so a hung view never wedges a worker.
func New(ctx context.Context, cfg config.SourceConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", cfg.QueryTimeout.Milliseconds()))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create source pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return &Store{pool: pool, sector: cfg.UrgentCareSector}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
