package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fleetlab/fleetlab-core/internal/infrastructure/config"
	"github.com/fleetlab/fleetlab-core/internal/wire"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// Sink records the device event stream into InfluxDB for later analysis:
// utilisation dashboards, claim duration, flapping devices. Writes are
// non-blocking and batched; the sink is strictly an observer and can
// never slow down or fail the mutation path.
//
// All methods are safe for concurrent use.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.HistoryConfig

	connected bool
	mu        sync.RWMutex

	// onError is called when async write errors occur.
	onError func(err error)
}

// Connect establishes a connection to the InfluxDB server and returns a
// ready sink. Returns ErrDisabled when the sink is off in configuration,
// which callers treat as "run without history".
func Connect(cfg config.HistoryConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	s := &Sink{
		client:    client,
		writeAPI:  writeAPI,
		cfg:       cfg,
		connected: true,
	}

	go s.handleWriteErrors(writeAPI.Errors())

	return s, nil
}

// handleWriteErrors processes async write errors from the WriteAPI.
func (s *Sink) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		s.mu.RLock()
		callback := s.onError
		s.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// RecordEvent writes one device event as a point. Non-blocking.
//
// Tags are the low-cardinality dimensions dashboards group by; the
// per-event values land in fields.
func (s *Sink) RecordEvent(ev *wire.DeviceEvent) {
	if !s.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"seq":      ev.Seq,
		"group_id": ev.GroupID,
	}
	if ev.OwnerEmail != "" {
		fields["owner_email"] = ev.OwnerEmail
	}
	if ev.Forced {
		fields["forced"] = true
	}

	tags := map[string]string{
		"serial": ev.Serial,
		"kind":   string(ev.Kind),
	}
	if ev.ProviderID != "" {
		tags["provider_id"] = ev.ProviderID
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.writeAPI.WritePoint(write.NewPoint("device_events", tags, fields, ts))
}

// RecordProviderStatus writes a provider transport transition.
func (s *Sink) RecordProviderStatus(providerID string, up bool) {
	if !s.IsConnected() {
		return
	}

	point := write.NewPoint(
		"provider_status",
		map[string]string{"provider_id": providerID},
		map[string]interface{}{"up": up},
		time.Now(),
	)
	s.writeAPI.WritePoint(point)
}

// RecordFleetSize writes a periodic gauge of registered devices.
func (s *Sink) RecordFleetSize(total int) {
	if !s.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet",
		map[string]string{},
		map[string]interface{}{"devices": total},
		time.Now(),
	)
	s.writeAPI.WritePoint(point)
}

// HealthCheck verifies the InfluxDB connection is alive.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := s.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("history health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("history health check failed: server not healthy")
	}
	return nil
}

// IsConnected returns the last known connection state.
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetOnError sets a callback invoked on async write failures. Writes are
// non-blocking, so errors only ever surface here.
func (s *Sink) SetOnError(callback func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

// Flush forces all pending writes out. Blocks until the buffer drains.
// Safe to call after Close (no-op).
func (s *Sink) Flush() {
	if s.writeAPI == nil {
		return
	}

	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if !connected {
		return
	}

	s.writeAPI.Flush()
}

// Close flushes pending writes and shuts the connection down.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()

	return nil
}
