package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignite/snowball-engine/internal/repository/postgres"
)

const versionTable = `CREATE TABLE IF NOT EXISTS snowball_schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	statusOnly := false
	for _, a := range os.Args[1:] {
		switch a {
		case "--status", "--list":
			statusOnly = true
		default:
			dir = a
		}
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, postgres.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	files, err := migrationFiles(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}
	if _, err := db.ExecContext(ctx, versionTable); err != nil {
		log.Fatalf("create version table: %v", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		log.Fatalf("read applied versions: %v", err)
	}

	if statusOnly {
		for _, f := range files {
			v := version(f)
			if at, ok := applied[v]; ok {
				fmt.Printf("  %-40s applied %s\n", v, at.Format(time.RFC3339))
			} else {
				fmt.Printf("  %-40s pending\n", v)
			}
		}
		return
	}

	n, err := migrate(ctx, db, files, applied)
	if err != nil {
		log.Fatalf("Applied %d, then failed: %v", n, err)
	}
	log.Printf("Migrations complete: %d applied, %d already current", n, len(files)-n)
}

// migrationFiles returns the .sql files of dir in lexical order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func version(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".sql")
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM snowball_schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		out[v] = at
	}
	return out, rows.Err()
}

// migrate applies pending files in order and stops at the first failure. It
// returns how many were applied.
func migrate(ctx context.Context, db *sql.DB, files []string, applied map[string]time.Time) (int, error) {
	n := 0
	for _, f := range files {
		v := version(f)
		if _, ok := applied[v]; ok {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return n, err
		}
		if err := apply(ctx, db, v, string(data)); err != nil {
			return n, fmt.Errorf("%s: %w", v, err)
		}
		log.Printf("  %s ... OK", v)
		n++
	}
	return n, nil
}

// apply runs one script and records its version in the same transaction.
func apply(ctx context.Context, db *sql.DB, v, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(script) != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO snowball_schema_migrations (version) VALUES ($1)", v); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
