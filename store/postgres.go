package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jupark12/pcr-intake/models"
	"github.com/rs/zerolog"
)

const incidentDateLayout = "2006-01-02T15:04:05"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rip_and_runs (
	incident_number BIGINT      NOT NULL,
	unit_id         TEXT        NOT NULL,
	content         JSONB       NOT NULL,
	incident_date   TIMESTAMP   NOT NULL,
	location        VARCHAR(300),
	incident_type   VARCHAR(20),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (incident_number, unit_id)
)`

const postgresUpsert = `
INSERT INTO rip_and_runs (incident_number, unit_id, content, incident_date, location, incident_type)
VALUES ($1, $2, $3::jsonb, $4, $5, $6)
ON CONFLICT (incident_number, unit_id) DO UPDATE SET
	content       = EXCLUDED.content,
	incident_date = EXCLUDED.incident_date,
	location      = EXCLUDED.location,
	incident_type = EXCLUDED.incident_type,
	updated_at    = now()`

// PostgresGateway writes records through a pgx connection pool
type PostgresGateway struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres connects to databaseURL and verifies the connection
func NewPostgres(ctx context.Context, databaseURL string, log zerolog.Logger) (*PostgresGateway, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresGateway{
		pool: pool,
		log:  log.With().Str("component", "postgres_gateway").Logger(),
	}, nil
}

// Migrate creates the rip_and_runs table when missing
func (g *PostgresGateway) Migrate(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create rip_and_runs: %w", err)
	}
	return nil
}

func (g *PostgresGateway) Upsert(ctx context.Context, rec models.PersistedRecord) error {
	incidentDate, err := time.Parse(incidentDateLayout, rec.IncidentDate)
	if err != nil {
		return fmt.Errorf("incident date %q: %w", rec.IncidentDate, err)
	}

	if _, err := g.pool.Exec(ctx, postgresUpsert,
		rec.IncidentNumber, rec.UnitID, rec.Content, incidentDate, rec.Location, rec.IncidentType,
	); err != nil {
		return fmt.Errorf("upsert incident %d unit %s: %w", rec.IncidentNumber, rec.UnitID, err)
	}

	g.log.Info().
		Int64("incident_number", rec.IncidentNumber).
		Str("unit_id", rec.UnitID).
		Msg("upserted rip and run")
	return nil
}

func (g *PostgresGateway) Close() error {
	g.pool.Close()
	return nil
}
