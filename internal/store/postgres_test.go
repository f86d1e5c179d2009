package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/telemetry-ingest/internal/device"
	"github.com/protei/telemetry-ingest/internal/telemetry"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{conn: db}, mock
}

func TestLookupByIMEI_Found(t *testing.T) {
	pg, mock := newMockPostgres(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "canonical_key", "imei", "protocol", "short_device_id",
		"firmware_version", "sim_iccid", "last_seen", "is_active",
	}).AddRow(id, "TFMS90_100", "860123456789012", "tfms90", 100, "1.04", "8999", time.Now(), true)

	mock.ExpectQuery("SELECT id, canonical_key, imei").
		WithArgs("860123456789012").
		WillReturnRows(rows)

	d, err := pg.LookupByIMEI(context.Background(), "860123456789012")
	require.NoError(t, err)
	assert.Equal(t, "860123456789012", d.IMEI)
	require.NotNil(t, d.ShortID)
	assert.Equal(t, 100, *d.ShortID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupByIMEI_NotFound(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT id, canonical_key, imei").
		WithArgs("000000000000000").
		WillReturnError(sql.ErrNoRows)

	_, err := pg.LookupByIMEI(context.Background(), "000000000000000")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocateShortID(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO short_id_counters").
		WithArgs("tfms90").
		WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(101))
	mock.ExpectExec("UPDATE short_id_counters").
		WithArgs("tfms90").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := pg.AllocateShortID(context.Background(), telemetry.ProtocolTFMS90)
	require.NoError(t, err)
	assert.Equal(t, 101, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTelemetry(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectQuery("INSERT INTO telemetry_data").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	lat := 37.7749
	rec := &telemetry.Record{
		DeviceKey:   "TFMS90_100",
		Timestamp:   time.Now(),
		Latitude:    &lat,
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: telemetry.MessageTD,
		Ignition:    telemetry.IgnitionOn,
		Extras:      map[string]any{"fuel_level": 75.0},
	}

	id, err := pg.InsertTelemetry(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDevice(t *testing.T) {
	pg, mock := newMockPostgres(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE devices").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.RegisterDevice(context.Background(), id, device.RegistrationPatch{
		CanonicalKey: "TFMS90_100",
		ShortID:      100,
		Active:       true,
		LastSeen:     time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
