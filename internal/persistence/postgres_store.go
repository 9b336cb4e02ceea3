package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB using a Postgres driver, for example:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
type PostgresRunStore struct {
	db *sql.DB
}

var _ api.RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the schema (if needed) and returns a new
// store.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			data BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_graph_status ON runs(graph_id, status);
	`)
	return err
}

func (s *PostgresRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, graph_id, status, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			graph_id = EXCLUDED.graph_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data`,
		snap.RunID,
		snap.GraphID,
		string(snap.Status),
		snap.CreatedAt.UnixNano(),
		snap.UpdatedAt.UnixNano(),
		data,
	)
	return err
}

func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = $1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

func (s *PostgresRunStore) ClaimRun(ctx context.Context, prev, next *api.RunSnapshot) error {
	data, err := EncodeSnapshot(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET graph_id = $1, status = $2, updated_at = $3, data = $4
		WHERE id = $5 AND status = $6 AND updated_at = $7`,
		next.GraphID,
		string(next.Status),
		next.UpdatedAt.UnixNano(),
		data,
		prev.RunID,
		string(prev.Status),
		prev.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return claimMiss(s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, prev.RunID))
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	query := `SELECT data FROM runs`
	var conds []string
	var args []any

	if filter.GraphID != "" {
		args = append(args, filter.GraphID)
		conds = append(conds, fmt.Sprintf("graph_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RunSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresRunStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	return err
}
