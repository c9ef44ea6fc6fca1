package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate creates any missing tables and indexes. It is safe to run on every
// start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	statements := postgresSchema
	if db.DriverName() == DriverSQLite {
		statements = sqliteSchema
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Users must exist before rentals because of the foreign keys.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    subject TEXT NOT NULL UNIQUE,
    stripe_id TEXT,
    email TEXT,
    name TEXT,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS bikes (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    is_available BOOLEAN NOT NULL DEFAULT TRUE,
    hourly_rate NUMERIC(8,2) NOT NULL DEFAULT 50.00 CHECK (hourly_rate >= 0),
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS rentals (
    id UUID PRIMARY KEY,
    bike_id UUID NOT NULL REFERENCES bikes(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    total_fee NUMERIC(10,2) NOT NULL DEFAULT 0,
    CHECK (end_time IS NULL OR end_time >= start_time)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS rentals_one_open_per_bike ON rentals(bike_id) WHERE end_time IS NULL`,
	`CREATE INDEX IF NOT EXISTS rentals_start_time ON rentals(start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS rentals_user_id ON rentals(user_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    subject TEXT NOT NULL UNIQUE,
    stripe_id TEXT,
    email TEXT,
    name TEXT,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS bikes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    is_available BOOLEAN NOT NULL DEFAULT 1,
    hourly_rate NUMERIC NOT NULL DEFAULT 50.00 CHECK (hourly_rate >= 0),
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS rentals (
    id TEXT PRIMARY KEY,
    bike_id TEXT NOT NULL REFERENCES bikes(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    start_time DATETIME NOT NULL,
    end_time DATETIME,
    total_fee NUMERIC NOT NULL DEFAULT 0
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS rentals_one_open_per_bike ON rentals(bike_id) WHERE end_time IS NULL`,
	`CREATE INDEX IF NOT EXISTS rentals_start_time ON rentals(start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS rentals_user_id ON rentals(user_id)`,
}
