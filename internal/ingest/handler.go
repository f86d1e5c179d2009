// Package ingest implements the per-connection state machine and the
// Listener/Supervisor that owns it.
package ingest

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/protei/telemetry-ingest/internal/codec/teltonika"
	"github.com/protei/telemetry-ingest/internal/codec/tfms90"
	"github.com/protei/telemetry-ingest/internal/config"
	"github.com/protei/telemetry-ingest/internal/device"
	"github.com/protei/telemetry-ingest/internal/logger"
	"github.com/protei/telemetry-ingest/internal/metrics"
	"github.com/protei/telemetry-ingest/internal/router"
	"github.com/protei/telemetry-ingest/internal/store"
	"github.com/protei/telemetry-ingest/internal/telemetry"
)

var errIdentificationRejected = errors.New("ingest: identification rejected")

// Handler drives one accepted TCP connection from Routing through Closing.
type Handler struct {
	conn     net.Conn
	store    store.Gateway
	metrics  *metrics.Metrics
	cfg      *config.Config
	log      *logger.Logger
	registry *Registry

	insertQueue chan queuedRecord
	workerDone  chan struct{}
}

type queuedRecord struct {
	rec *telemetry.Record
}

func NewHandler(conn net.Conn, st store.Gateway, m *metrics.Metrics, cfg *config.Config, reg *Registry) *Handler {
	return &Handler{
		conn:        conn,
		store:       st,
		metrics:     m,
		cfg:         cfg,
		log:         logger.Get().WithComponent("handler"),
		registry:    reg,
		insertQueue: make(chan queuedRecord, cfg.DropQueueSize),
		workerDone:  make(chan struct{}),
	}
}

// Serve runs the full Routing -> Identifying -> Running -> Closing cycle.
// It always closes the socket before returning.
func (h *Handler) Serve(ctx context.Context) {
	defer h.conn.Close()

	peek, err := h.peek()
	if err != nil {
		h.log.Debug("connection closed before any bytes arrived", "remote", h.conn.RemoteAddr().String())
		return
	}

	proto, err := router.Sniff(peek)
	if err != nil {
		h.log.Warn("unroutable connection, closing without ack", "remote", h.conn.RemoteAddr().String())
		return
	}

	switch proto {
	case router.TFMS90:
		h.metrics.ConnectionOpened("tfms90")
		defer h.metrics.ConnectionClosed()
		h.runTFMS90(ctx, peek)
	case router.Teltonika:
		h.metrics.ConnectionOpened("teltonika")
		defer h.metrics.ConnectionClosed()
		h.runTeltonika(ctx, peek)
	}
}

func (h *Handler) peek() ([]byte, error) {
	h.conn.SetReadDeadline(time.Now().Add(h.cfg.RouterPeekTimeout()))
	buf := make([]byte, h.cfg.PeekBudgetBytes)
	n, err := h.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// startInsertWorker launches the async store-write side of the connection.
// Keeping it off the read/parse goroutine means a saturated store slows
// down inserts, never frame parsing or acking.
func (h *Handler) startInsertWorker(ctx context.Context, protocol string) {
	go func() {
		defer close(h.workerDone)
		var lastTouch time.Time
		var lastTouchKey string

		for {
			select {
			case <-ctx.Done():
				return
			case qr, ok := <-h.insertQueue:
				if !ok {
					return
				}
				h.insertOne(ctx, qr.rec, protocol, &lastTouch, &lastTouchKey)
			}
		}
	}()
}

func (h *Handler) insertOne(ctx context.Context, rec *telemetry.Record, protocol string, lastTouch *time.Time, lastTouchKey *string) {
	callCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreCallTimeout())
	defer cancel()

	start := time.Now()
	_, err := h.store.InsertTelemetry(callCtx, rec)
	h.metrics.ObserveStoreCall("insert_telemetry", time.Since(start))
	if err != nil {
		// Transient failure: retry once immediately, then drop and count.
		callCtx2, cancel2 := context.WithTimeout(ctx, h.cfg.StoreCallTimeout())
		_, err2 := h.store.InsertTelemetry(callCtx2, rec)
		cancel2()
		if err2 != nil {
			h.metrics.TelemetryDropped.WithLabelValues(protocol, "store_timeout").Inc()
			h.log.Warn("dropping telemetry after retry failed", "error", err2.Error())
			return
		}
	}
	h.metrics.TelemetryInserted.WithLabelValues(protocol).Inc()

	if *lastTouchKey != rec.DeviceKey || time.Since(*lastTouch) >= h.cfg.CoalesceInterval() {
		touchCtx, cancel3 := context.WithTimeout(ctx, h.cfg.StoreCallTimeout())
		if err := h.store.TouchLastSeen(touchCtx, rec.DeviceKey, rec.Timestamp); err != nil {
			h.log.Warn("touch last seen failed", "error", err.Error())
		}
		cancel3()
		*lastTouch = time.Now()
		*lastTouchKey = rec.DeviceKey
	}
}

// enqueue offers a record to the insert worker without blocking the parse
// loop; a full queue means the store is saturated, so the record is
// counted as dropped rather than stalling the device.
func (h *Handler) enqueue(rec *telemetry.Record, protocol string) {
	select {
	case h.insertQueue <- queuedRecord{rec: rec}:
	default:
		h.metrics.TelemetryDropped.WithLabelValues(protocol, "queue_full").Inc()
	}
}

func (h *Handler) writeAck(ack []byte) {
	if len(ack) == 0 {
		return
	}
	h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := h.conn.Write(ack); err != nil {
		h.log.Warn("ack write failed", "error", err.Error())
	}
}

// -- TFMS90 --------------------------------------------------------------

func (h *Handler) runTFMS90(ctx context.Context, peek []byte) {
	parser := tfms90.NewParser()
	var canonicalKey string
	identified := false

	h.startInsertWorker(ctx, "tfms90")
	defer h.drainAndStop(&canonicalKey)

	events := parser.Feed(peek)
	h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdentificationTimeout()))

	buf := make([]byte, 4096)
	for {
		for _, ev := range events {
			if err := h.handleTFMS90Event(ctx, parser, ev, &canonicalKey, &identified); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if identified {
			h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTFMS90()))
		} else {
			h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdentificationTimeout()))
		}

		n, err := h.conn.Read(buf)
		if err != nil {
			return
		}
		events = parser.Feed(buf[:n])
	}
}

func (h *Handler) handleTFMS90Event(ctx context.Context, parser *tfms90.Parser, ev tfms90.Event, canonicalKey *string, identified *bool) error {
	if ev.Malformed {
		h.metrics.FramesMalformed.WithLabelValues("tfms90").Inc()
		h.log.Warn("malformed tfms90 frame", "type", ev.RawType)
		return nil
	}

	if ev.Login != nil {
		return h.handleTFMS90Login(ctx, parser, ev.Login, canonicalKey, identified)
	}

	if ev.Record == nil {
		return nil
	}
	if !*identified {
		h.log.Warn("telemetry received before identification, dropping", "type", ev.RawType)
		return nil
	}

	h.metrics.FramesParsed.WithLabelValues("tfms90", string(ev.Record.MessageType)).Inc()
	ev.Record.DeviceKey = *canonicalKey
	h.enqueue(ev.Record, "tfms90")
	h.writeAck(parser.FormatAck(ev.Token, 1))
	return nil
}

func (h *Handler) handleTFMS90Login(ctx context.Context, parser *tfms90.Parser, login *tfms90.LoginRequest, canonicalKey *string, identified *bool) error {
	dev, err := h.store.LookupByIMEI(ctx, login.IMEI)
	if errors.Is(err, store.ErrDeviceNotFound) {
		h.log.Warn("login from unregistered imei, closing", "imei", login.IMEI)
		return errIdentificationRejected
	}
	if err != nil {
		h.log.Error("store lookup failed during login", err, "imei", login.IMEI)
		return errIdentificationRejected
	}

	shortID := 0
	if dev.ShortID != nil {
		shortID = *dev.ShortID
	} else {
		shortID, err = h.store.AllocateShortID(ctx, telemetry.ProtocolTFMS90)
		if err != nil {
			h.log.Error("short id allocation failed", err, "imei", login.IMEI)
			return errIdentificationRejected
		}
		h.metrics.ShortIDAllocations.WithLabelValues("tfms90").Inc()
	}

	newKey := device.TFMS90CanonicalKey(shortID)
	patch := device.RegistrationPatch{
		CanonicalKey:    newKey,
		ShortID:         shortID,
		FirmwareVersion: login.FirmwareVersion,
		SIMICCID:        login.SIMICCID,
		LastSeen:        time.Now().UTC(),
		Active:          true,
	}
	if err := h.store.RegisterDevice(ctx, dev.ID, patch); err != nil {
		h.log.Error("register device failed", err, "imei", login.IMEI)
		return errIdentificationRejected
	}

	parser.BindShortID(shortID)
	*canonicalKey = newKey
	*identified = true
	h.registry.Add(newKey, h.conn)
	h.writeAck(tfms90.FormatLoginAck(shortID))
	return nil
}

// -- Teltonika -------------------------------------------------------------

func (h *Handler) runTeltonika(ctx context.Context, peek []byte) {
	parser := teltonika.NewParser()
	var canonicalKey string

	h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdentificationTimeout()))
	imei, ok := parser.FeedGreeting(peek)
	buf := make([]byte, 4096)
	for !ok {
		n, err := h.conn.Read(buf)
		if err != nil {
			return
		}
		imei, ok = parser.FeedGreeting(buf[:n])
	}

	dev, err := h.store.LookupByIMEI(ctx, imei)
	if errors.Is(err, store.ErrDeviceNotFound) {
		h.log.Warn("greeting from unregistered imei, closing", "imei", imei)
		h.writeAck(teltonika.GreetingRejected())
		return
	}
	if err != nil {
		h.log.Error("store lookup failed during greeting", err, "imei", imei)
		h.writeAck(teltonika.GreetingRejected())
		return
	}
	canonicalKey = dev.IMEI
	h.writeAck(teltonika.GreetingAccepted())
	h.registry.Add(canonicalKey, h.conn)

	h.startInsertWorker(ctx, "teltonika")
	defer h.drainAndStop(&canonicalKey)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTeltonika()))
		n, err := h.conn.Read(buf)
		if err != nil {
			return
		}
		batches := parser.Feed(buf[:n])
		for _, b := range batches {
			h.handleTeltonikaBatch(canonicalKey, b)
		}
	}
}

func (h *Handler) handleTeltonikaBatch(canonicalKey string, b teltonika.Batch) {
	if !b.CRCValid {
		h.metrics.FramesMalformed.WithLabelValues("teltonika").Inc()
		h.log.Warn("teltonika CRC mismatch, batch rejected")
		h.writeAck(teltonika.FormatAck(0))
		return
	}
	for _, rec := range b.Records {
		rec.DeviceKey = canonicalKey
		h.metrics.FramesParsed.WithLabelValues("teltonika", string(rec.MessageType)).Inc()
		h.enqueue(rec, "teltonika")
	}
	h.writeAck(teltonika.FormatAck(len(b.Records)))
}

// -- shared ----------------------------------------------------------------

func (h *Handler) drainAndStop(canonicalKey *string) {
	close(h.insertQueue)
	<-h.workerDone
	if *canonicalKey != "" {
		h.registry.Remove(*canonicalKey)
	}
}
