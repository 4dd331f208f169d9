package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/depth.report/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsEmbed embed.FS

// sqlitePragmas are applied to every pooled connection through the DSN.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// DB is the measurement store.
type DB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// MigrationsFS returns the embedded schema migrations.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsEmbed, "migrations")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(fmt.Sprintf("embedded migrations missing: %v", err))
	}
	return sub
}

// OpenDB opens the SQLite database at path without touching the schema.
// The migrate subcommand uses it so migrations stay under operator control.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, sqlitePragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path, clock: timeutil.RealClock{}}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// NewDB opens the database at path and applies any outstanding migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used to stamp new measurements.
func (db *DB) SetClock(c timeutil.Clock) {
	if c == nil {
		c = timeutil.RealClock{}
	}
	db.clock = c
}
