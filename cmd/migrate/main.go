// Command migrate applies the SQL files in migrations/ in filename
// order, one transaction per file. Files are idempotent, so re-running
// the whole directory is the normal way to pick up new migrations.
package main

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("[Migrate] DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, arg := range os.Args[1:] {
		if arg == "--list" {
			listOnly = true
		} else {
			dir = arg
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("[Migrate] Open failed: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrate] Database unreachable: %v", err)
	}

	if listOnly {
		if err := listTables(db); err != nil {
			log.Fatalf("[Migrate] List failed: %v", err)
		}
		return
	}

	applied, failed := applyDir(db, dir)
	log.Printf("[Migrate] Applied %d migrations, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func listTables(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		ORDER BY tablename
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		log.Printf("[Migrate]   %s", name)
		count++
	}
	log.Printf("[Migrate] %d tables", count)
	return rows.Err()
}

func applyDir(db *sql.DB, dir string) (applied, failed int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("[Migrate] Read %s: %v", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlText, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("[Migrate] Read %s: %v", name, err)
		}
		if strings.TrimSpace(string(sqlText)) == "" {
			continue
		}
		if err := applyOne(db, string(sqlText)); err != nil {
			log.Printf("[Migrate] %s FAILED: %v", name, err)
			failed++
			continue
		}
		log.Printf("[Migrate] %s ok", name)
		applied++
	}
	return applied, failed
}

func applyOne(db *sql.DB, sqlText string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(sqlText); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
