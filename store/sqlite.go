package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jupark12/pcr-intake/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rip_and_runs (
	incident_number INTEGER NOT NULL,
	unit_id         TEXT    NOT NULL,
	content         TEXT    NOT NULL,
	incident_date   TEXT    NOT NULL,
	location        TEXT,
	incident_type   TEXT,
	created_at      TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
	updated_at      TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
	PRIMARY KEY (incident_number, unit_id)
)`

const sqliteUpsert = `
INSERT INTO rip_and_runs (incident_number, unit_id, content, incident_date, location, incident_type)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (incident_number, unit_id) DO UPDATE SET
	content       = excluded.content,
	incident_date = excluded.incident_date,
	location      = excluded.location,
	incident_type = excluded.incident_type,
	updated_at    = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`

// SQLiteGateway stores records in a local SQLite database
type SQLiteGateway struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// NewSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func NewSQLite(path string, log zerolog.Logger) (*SQLiteGateway, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL lets the status server read while the processor writes
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rip_and_runs: %w", err)
	}

	return &SQLiteGateway{
		db:   db,
		path: path,
		log:  log.With().Str("component", "sqlite_gateway").Logger(),
	}, nil
}

func (g *SQLiteGateway) Upsert(ctx context.Context, rec models.PersistedRecord) error {
	if _, err := g.db.ExecContext(ctx, sqliteUpsert,
		rec.IncidentNumber, rec.UnitID, rec.Content, rec.IncidentDate, rec.Location, rec.IncidentType,
	); err != nil {
		return fmt.Errorf("upsert incident %d unit %s: %w", rec.IncidentNumber, rec.UnitID, err)
	}

	g.log.Info().
		Int64("incident_number", rec.IncidentNumber).
		Str("unit_id", rec.UnitID).
		Msg("upserted rip and run")
	return nil
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}
