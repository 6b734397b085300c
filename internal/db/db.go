package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ritikr000/VM-Generator/internal/models"
	_ "modernc.org/sqlite"
)

// ErrDuplicateName is returned by Insert when a record with the same VM name
// already exists.
var ErrDuplicateName = errors.New("vm name already exists")

// DB wraps a SQLite connection holding the declared VM records.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and creates the
// schema if it is absent.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// An in-memory database lives and dies with a single connection.
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

// dsn appends the connection pragmas to path, which may already carry
// query parameters (file:vms.db?mode=rwc).
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// busy_timeout has to reach every pooled connection.
	return path + sep + "_pragma=busy_timeout(5000)"
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS vms (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			os_type    TEXT NOT NULL,
			memory_mb  INTEGER NOT NULL DEFAULT 0 CHECK (memory_mb >= 0),
			cpus       INTEGER NOT NULL DEFAULT 0 CHECK (cpus >= 0),
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vms_os_type ON vms(os_type);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping() error {
	return d.conn.Ping()
}

// Insert stores a new VM record. The single INSERT statement is atomic: it
// either writes the whole row or nothing. It returns ErrDuplicateName if the
// name is already taken.
func (d *DB) Insert(ctx context.Context, r *models.VMRecord) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO vms (id, name, os_type, memory_mb, cpus, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.OSType, r.MemoryMB, r.CPUs,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isNameConflict(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, r.Name)
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// GetByName returns the record for name, or sql.ErrNoRows if not found.
func (d *DB) GetByName(ctx context.Context, name string) (*models.VMRecord, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, name, os_type, memory_mb, cpus, created_at
		FROM vms WHERE name = ?`, name)
	return scan(row)
}

// Exists reports whether a record named name has been stored.
func (d *DB) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.GetByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every record in insertion order.
func (d *DB) List(ctx context.Context) ([]*models.VMRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, name, os_type, memory_mb, cpus, created_at
		FROM vms ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.VMRecord
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByOS returns the number of records per OS type.
func (d *DB) CountByOS() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT os_type, COUNT(1) FROM vms GROUP BY os_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			osType string
			n      int
		)
		if err := rows.Scan(&osType, &n); err != nil {
			return nil, err
		}
		counts[osType] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.VMRecord, error) {
	var r models.VMRecord
	var createdAt string
	if err := s.Scan(&r.ID, &r.Name, &r.OSType, &r.MemoryMB, &r.CPUs, &createdAt); err != nil {
		return nil, err
	}
	var err error
	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &r, nil
}

func isNameConflict(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: vms.name")
}
