package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

var _ SecretStore = (*PostgresSecretStore)(nil)

const (
	createSecretsTableSQL = `CREATE TABLE IF NOT EXISTS appguard_secrets (
	kind       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectSecretSQL = `SELECT value FROM appguard_secrets WHERE kind = $1`
	upsertSecretSQL = `INSERT INTO appguard_secrets (kind, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (kind) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	deleteSecretSQL = `DELETE FROM appguard_secrets WHERE kind = $1`
)

// PostgresSecretStore persists device secrets in a single table.
type PostgresSecretStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSecretStore(pool *pgxpool.Pool) *PostgresSecretStore {
	return &PostgresSecretStore{pool: pool}
}

func (s *PostgresSecretStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping secret store: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createSecretsTableSQL); err != nil {
		return fmt.Errorf("create secrets table: %w", err)
	}
	return nil
}

func (s *PostgresSecretStore) Get(ctx context.Context, kind domain.SecretKind) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, selectSecretSQL, kind.Key()).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get secret %s: %w", kind, err)
	}
	return value, true, nil
}

func (s *PostgresSecretStore) Set(ctx context.Context, kind domain.SecretKind, value string) error {
	if _, err := s.pool.Exec(ctx, upsertSecretSQL, kind.Key(), value); err != nil {
		return fmt.Errorf("set secret %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresSecretStore) Delete(ctx context.Context, kind domain.SecretKind) error {
	if _, err := s.pool.Exec(ctx, deleteSecretSQL, kind.Key()); err != nil {
		return fmt.Errorf("delete secret %s: %w", kind, err)
	}
	return nil
}
