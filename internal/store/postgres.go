package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/protei/telemetry-ingest/internal/device"
	"github.com/protei/telemetry-ingest/internal/telemetry"
)

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// Postgres is the lib/pq-backed Gateway implementation.
type Postgres struct {
	conn *sql.DB
}

// New opens the connection pool, pings it, and runs migrations.
func New(cfg Config) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxIdle)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &Postgres{conn: conn}
	if err := db.runMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func (db *Postgres) Close() error { return db.conn.Close() }

// LookupByIMEI returns ErrDeviceNotFound (not a plain sql.ErrNoRows) when no
// row matches, so callers never need to know the backing store.
func (db *Postgres) LookupByIMEI(ctx context.Context, imei string) (*device.Device, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, canonical_key, imei, protocol, short_device_id, firmware_version,
		       sim_iccid, last_seen, is_active
		FROM devices WHERE imei = $1
	`, imei)

	var d device.Device
	var shortID sql.NullInt64
	var lastSeen sql.NullTime
	var firmware, iccid sql.NullString
	if err := row.Scan(&d.ID, &d.CanonicalKey, &d.IMEI, &d.Protocol, &shortID,
		&firmware, &iccid, &lastSeen, &d.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("lookup by imei: %w", err)
	}
	if shortID.Valid {
		v := int(shortID.Int64)
		d.ShortID = &v
	}
	d.FirmwareVersion = firmware.String
	d.SIMICCID = iccid.String
	d.LastSeen = lastSeen.Time
	return &d, nil
}

// AllocateShortID serializes allocation per protocol with a row lock on
// short_id_counters, so two first-contact devices racing on the same
// protocol can never receive the same ID (spec §5, "Short-ID counter").
func (db *Postgres) AllocateShortID(ctx context.Context, protocol telemetry.Protocol) (int, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin allocate tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO short_id_counters (protocol, next_value) VALUES ($1, 100)
		ON CONFLICT (protocol) DO UPDATE SET next_value = short_id_counters.next_value
		RETURNING next_value
	`, string(protocol)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE short_id_counters SET next_value = next_value + 1 WHERE protocol = $1`,
		string(protocol)); err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit allocate tx: %w", err)
	}
	return next, nil
}

// RegisterDevice applies the first-LG (or re-registration) patch.
func (db *Postgres) RegisterDevice(ctx context.Context, deviceID uuid.UUID, patch device.RegistrationPatch) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE devices
		SET canonical_key = $2, short_device_id = $3, firmware_version = $4,
		    sim_iccid = $5, last_seen = $6, is_active = $7
		WHERE id = $1
	`, deviceID, patch.CanonicalKey, patch.ShortID, patch.FirmwareVersion,
		patch.SIMICCID, patch.LastSeen, patch.Active)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// TouchLastSeen is the coalesced last-seen update; it is keyed by canonical
// key rather than UUID because the caller (the handler) only ever has the
// wire-visible key in hand.
func (db *Postgres) TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE devices SET last_seen = $2 WHERE canonical_key = $1`, canonicalKey, ts)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// InsertTelemetry is the sole place extras gets serialized. Unknown
// top-level attributes never reach a column: the statement's column list is
// fixed, and extras is marshaled into the single io_elements JSONB column.
func (db *Postgres) InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error) {
	extrasJSON, err := json.Marshal(rec.Extras)
	if err != nil {
		return 0, fmt.Errorf("marshal extras: %w", err)
	}

	var id int64
	err = db.conn.QueryRowContext(ctx, `
		INSERT INTO telemetry_data (
			device_key, timestamp, latitude, longitude, altitude, speed, heading,
			satellites, fuel_level, ignition, protocol, message_type,
			start_timestamp, end_timestamp, duration_seconds, start_fuel, end_fuel,
			distance_km, start_latitude, start_longitude, io_elements
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING id
	`,
		rec.DeviceKey, rec.Timestamp, rec.Latitude, rec.Longitude, rec.Altitude,
		rec.Speed, rec.Heading, rec.Satellites, rec.FuelLevel, ignitionValue(rec.Ignition),
		string(rec.Protocol), string(rec.MessageType),
		rec.StartTimestamp, rec.EndTimestamp, rec.DurationSeconds, rec.StartFuel, rec.EndFuel,
		rec.DistanceKM, rec.StartLatitude, rec.StartLongitude, extrasJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert telemetry: %w", err)
	}
	return id, nil
}

func ignitionValue(i telemetry.Ignition) *bool {
	v, known := i.Bool()
	if !known {
		return nil
	}
	return &v
}

// RegisteredIMEIs is used only for protocol interplay validation (e.g. the
// router or a pre-flight check that wants to know which IMEIs exist without
// a round trip per connection). Never consulted from the hot parsing path.
func (db *Postgres) RegisteredIMEIs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT imei FROM devices WHERE imei IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list registered imeis: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var imei string
		if err := rows.Scan(&imei); err != nil {
			return nil, fmt.Errorf("scan imei: %w", err)
		}
		out[imei] = struct{}{}
	}
	return out, rows.Err()
}
