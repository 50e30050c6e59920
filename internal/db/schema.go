package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const studentsSchema = `
CREATE TABLE IF NOT EXISTS students (
    id            UUID PRIMARY KEY,
    student_id    TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    username      TEXT NOT NULL UNIQUE,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    age           INTEGER NOT NULL DEFAULT 0,
    courses       TEXT[] NOT NULL DEFAULT '{}',
    is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the students table when missing. Both the local and
// the remote store run it at connect time so a fresh replica can be synced
// into without manual setup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, studentsSchema)
	return err
}
