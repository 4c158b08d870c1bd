// Package source provides replication position sources backed by the local
// replica database.
package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/lagless/replication"
)

// Config for a SQL-backed position source
type Config struct {
	Dialect        string // goqu dialect name, default "mysql"
	ProgressTable  string
	ProgressColumn string
}

// SQLSource reads the replication position from the replica's progress table.
// The primary bumps the same table's sequence row inside every forwarded
// write, so the value observed here advances exactly when the write's
// effects become locally readable.
type SQLSource struct {
	db        *sql.DB
	selectSQL string
}

// New builds a position source over the replica database connection
func New(db *sql.DB, cfg Config) (*SQLSource, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = "mysql"
	}
	if cfg.ProgressTable == "" {
		cfg.ProgressTable = "replication_progress"
	}
	if cfg.ProgressColumn == "" {
		cfg.ProgressColumn = "applied_seq"
	}

	selectSQL, _, err := goqu.Dialect(cfg.Dialect).
		From(cfg.ProgressTable).
		Select(goqu.C(cfg.ProgressColumn)).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build progress select: %w", err)
	}

	return &SQLSource{db: db, selectSQL: selectSQL}, nil
}

// CurrentPosition implements replication.PositionSource
func (s *SQLSource) CurrentPosition(ctx context.Context) (replication.Position, error) {
	var position uint64
	if err := s.db.QueryRowContext(ctx, s.selectSQL).Scan(&position); err != nil {
		if err == sql.ErrNoRows {
			// A replica that has not applied anything yet is at position zero
			return 0, nil
		}
		return 0, fmt.Errorf("position query failed: %w", err)
	}
	return replication.Position(position), nil
}
