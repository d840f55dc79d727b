package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies all pending migrations from the embedded FS. An empty
// schema means public; any other schema is created first so a fresh database
// works without manual setup.
func RunMigrations(dbURL string, schema string) error {
	if schema == "" {
		schema = "public"
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}

	if err := prepareSchema(db, schema); err != nil {
		return err
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	slog.Info("Database migrations applied", "schema", schema)
	return nil
}

func prepareSchema(db *sql.DB, schema string) error {
	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + ident); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	// Migrations must land in the target schema, not whatever the role's
	// default search_path points at.
	if _, err := db.Exec("SET search_path TO " + ident); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	return nil
}
