// Package device holds the Device value type shared by the Store Gateway
// and the connection handlers that drive device identity lifecycle.
package device

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/protei/telemetry-ingest/internal/telemetry"
)

// Device mirrors one row of the devices table.
type Device struct {
	ID             uuid.UUID
	CanonicalKey   string
	IMEI           string
	Protocol       telemetry.Protocol
	ShortID        *int
	FirmwareVersion string
	SIMICCID       string
	LastSeen       time.Time
	Active         bool
}

// RegistrationPatch carries the fields RegisterDevice is allowed to mutate.
// It is narrower than Device: ID, IMEI and Protocol are never changed by
// registration. Last-seen updates after registration go through
// TouchLastSeen so that hot-path writes stay on one narrow statement.
type RegistrationPatch struct {
	CanonicalKey    string
	ShortID         int
	FirmwareVersion string
	SIMICCID        string
	LastSeen        time.Time
	Active          bool
}

// TFMS90CanonicalKey formats the canonical key a TFMS90 device is given once
// its short ID is assigned.
func TFMS90CanonicalKey(shortID int) string {
	return "TFMS90_" + strconv.Itoa(shortID)
}
