package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entities (
    seq        BIGSERIAL,
    kind       TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (kind, key)
);
CREATE INDEX IF NOT EXISTS entities_kind_seq ON entities (kind, seq);
`

// Postgres persists entities in a single table keyed by (kind, key). The serial
// column keeps insertion order across restarts.
type Postgres struct{ db *pgxpool.Pool }

// NewPostgres connects to url and ensures the schema exists.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "store: connect postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "store: migrate postgres")
	}
	return &Postgres{db: pool}, nil
}

func (s *Postgres) Put(ctx context.Context, kind Kind, key string, value json.RawMessage) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO entities (kind, key, value, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (kind, key)
        DO UPDATE SET value = EXCLUDED.value, updated_at = now()
    `, string(kind), key, []byte(value))
	return errors.Wrapf(err, "store: put %s/%s", kind, key)
}

func (s *Postgres) PutIfAbsent(ctx context.Context, kind Kind, key string, value json.RawMessage) (json.RawMessage, bool, error) {
	if err := checkKind(kind); err != nil {
		return nil, false, err
	}
	var stored []byte
	err := s.db.QueryRow(ctx, `
        INSERT INTO entities (kind, key, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (kind, key) DO NOTHING
        RETURNING value
    `, string(kind), key, []byte(value)).Scan(&stored)
	if err == nil {
		return json.RawMessage(stored), true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrapf(err, "store: insert %s/%s", kind, key)
	}
	existing, err := s.Get(ctx, kind, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Postgres) Get(ctx context.Context, kind Kind, key string) (json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM entities WHERE kind=$1 AND key=$2`, string(kind), key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store: get %s/%s", kind, key)
	}
	return json.RawMessage(raw), nil
}

func (s *Postgres) List(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT value FROM entities WHERE kind=$1 ORDER BY seq`, string(kind))
	if err != nil {
		return nil, errors.Wrapf(err, "store: list %s", kind)
	}
	defer rows.Close()
	out := []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "store: scan %s", kind)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, errors.Wrapf(rows.Err(), "store: list %s", kind)
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
