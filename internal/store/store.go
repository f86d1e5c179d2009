// Package store is the Store Gateway: the only component that knows SQL or
// JSONB exist. Everything else in the ingestion core talks to the Gateway
// interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/protei/telemetry-ingest/internal/device"
	"github.com/protei/telemetry-ingest/internal/telemetry"
)

// ErrDeviceNotFound is returned by LookupByIMEI when no row matches.
var ErrDeviceNotFound = errors.New("store: device not found")

// Gateway is the narrow data-access surface the ingestion core talks to. No
// caller outside this package constructs SQL or touches JSONB directly.
type Gateway interface {
	LookupByIMEI(ctx context.Context, imei string) (*device.Device, error)
	AllocateShortID(ctx context.Context, protocol telemetry.Protocol) (int, error)
	RegisterDevice(ctx context.Context, deviceID uuid.UUID, patch device.RegistrationPatch) error
	TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error
	InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error)
	RegisteredIMEIs(ctx context.Context) (map[string]struct{}, error)
	Close() error
}
