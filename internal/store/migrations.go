package store

import (
	"fmt"
	"time"
)

// migration is one forward-only schema change, tracked Liquibase-changelog
// style: a row per applied migration, looked up by ID before re-running.
type migration struct {
	ID          string
	Author      string
	Description string
	SQL         string
}

var migrations = []migration{
	{
		ID: "001-create-devices-table", Author: "ingest-core",
		Description: "Create devices table",
		SQL: `
		CREATE TABLE IF NOT EXISTS devices (
			id UUID PRIMARY KEY,
			canonical_key VARCHAR(64) UNIQUE NOT NULL,
			imei VARCHAR(15) UNIQUE,
			protocol VARCHAR(16) NOT NULL,
			short_device_id INTEGER,
			firmware_version VARCHAR(32),
			sim_iccid VARCHAR(32),
			last_seen TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (protocol, short_device_id)
		);
		CREATE INDEX IF NOT EXISTS idx_devices_imei ON devices(imei);
		CREATE INDEX IF NOT EXISTS idx_devices_canonical_key ON devices(canonical_key);
		`,
	},
	{
		ID: "002-create-short-id-counters-table", Author: "ingest-core",
		Description: "Per-protocol short ID counter, serialized via row lock",
		SQL: `
		CREATE TABLE IF NOT EXISTS short_id_counters (
			protocol VARCHAR(16) PRIMARY KEY,
			next_value INTEGER NOT NULL
		);
		INSERT INTO short_id_counters (protocol, next_value) VALUES ('tfms90', 100)
		ON CONFLICT DO NOTHING;
		`,
	},
	{
		ID: "003-create-telemetry-data-table", Author: "ingest-core",
		Description: "Create telemetry_data table",
		SQL: `
		CREATE TABLE IF NOT EXISTS telemetry_data (
			id BIGSERIAL PRIMARY KEY,
			device_key VARCHAR(64) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			satellites INTEGER,
			fuel_level DOUBLE PRECISION,
			ignition BOOLEAN,
			protocol VARCHAR(16) NOT NULL,
			message_type VARCHAR(16) NOT NULL,
			start_timestamp TIMESTAMPTZ,
			end_timestamp TIMESTAMPTZ,
			duration_seconds BIGINT,
			start_fuel DOUBLE PRECISION,
			end_fuel DOUBLE PRECISION,
			distance_km DOUBLE PRECISION,
			start_latitude DOUBLE PRECISION,
			start_longitude DOUBLE PRECISION,
			io_elements JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_telemetry_device_key ON telemetry_data(device_key);
		CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_data(timestamp);
		`,
	},
}

func (db *Postgres) runMigrations() error {
	createChangelog := `
	CREATE TABLE IF NOT EXISTS databasechangelog (
		id VARCHAR(255) NOT NULL,
		author VARCHAR(255) NOT NULL,
		dateexecuted TIMESTAMPTZ NOT NULL,
		orderexecuted INTEGER NOT NULL,
		description VARCHAR(255)
	);`
	if _, err := db.conn.Exec(createChangelog); err != nil {
		return fmt.Errorf("create changelog table: %w", err)
	}

	for _, m := range migrations {
		if err := db.executeMigration(m); err != nil {
			return fmt.Errorf("migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (db *Postgres) executeMigration(m migration) error {
	var count int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM databasechangelog WHERE id = $1", m.ID,
	).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if _, err := db.conn.Exec(m.SQL); err != nil {
		return err
	}

	_, err := db.conn.Exec(`
		INSERT INTO databasechangelog (id, author, dateexecuted, orderexecuted, description)
		VALUES ($1, $2, $3, (SELECT COALESCE(MAX(orderexecuted), 0) + 1 FROM databasechangelog), $4)
	`, m.ID, m.Author, time.Now().UTC(), m.Description)
	return err
}
