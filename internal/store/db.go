package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenPostgres connects, brings the schema up to date and returns the store.
func OpenPostgres(ctx context.Context, databaseURL, migrationsDir string) (*PostgresStore, []string, error) {
	db, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return NewPostgresStore(db), applied, nil
}
