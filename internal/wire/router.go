package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetlab/fleetlab-core/internal/device"
)

// RouteSource resolves a serial to its current device record. Satisfied
// by the device registry.
type RouteSource interface {
	GetDevice(ctx context.Context, serial string) (*device.Device, error)
}

// Router maps device serials to provider channels and delivers addressed
// messages. Reachability is fed from the broker's provider status topics:
// a provider is reachable from its online announcement until its will
// message or an explicit offline announcement arrives.
//
// Routing consults the device record, so a stale mapping self-heals on
// the next mutation. Messages to unreachable providers fail fast; they
// are never queued.
type Router struct {
	source RouteSource
	bus    *Bus
	logger Logger

	mu        sync.RWMutex
	reachable map[string]bool
}

// NewRouter creates a router over the given source and bus.
func NewRouter(source RouteSource, bus *Bus, logger Logger) *Router {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Router{
		source:    source,
		bus:       bus,
		logger:    logger,
		reachable: make(map[string]bool),
	}
}

// SetReachable records a provider transport coming up or going down.
func (r *Router) SetReachable(providerID string, up bool) {
	r.mu.Lock()
	if up {
		r.reachable[providerID] = true
	} else {
		delete(r.reachable, providerID)
	}
	r.mu.Unlock()

	r.logger.Debug("provider reachability changed", "provider_id", providerID, "reachable", up)
}

// Reachable reports whether the provider currently has a live transport.
func (r *Router) Reachable(providerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reachable[providerID]
}

// ReachableProviders returns the providers with a live transport.
func (r *Router) ReachableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.reachable))
	for id := range r.reachable {
		ids = append(ids, id)
	}
	return ids
}

// Route resolves the provider channel for a serial.
//
// Returns ErrUnresolved when the device is unknown or has no recorded
// provider, and ErrUnreachable when the provider has no live transport.
func (r *Router) Route(ctx context.Context, serial string) (string, error) {
	d, err := r.source.GetDevice(ctx, serial)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, serial)
	}
	if d.ProviderID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, serial)
	}
	if !r.Reachable(d.ProviderID) {
		return "", fmt.Errorf("%w: %s", ErrUnreachable, d.ProviderID)
	}
	return d.ProviderID, nil
}

// Send resolves the serial's provider and delivers an addressed command
// to it. Delivery is at-least-once; the command carries the device Seq so
// the provider can discard duplicates and stale instructions.
func (r *Router) Send(ctx context.Context, serial string, cmd *ProviderCommand) error {
	providerID, err := r.Route(ctx, serial)
	if err != nil {
		return err
	}
	return r.bus.send(providerID, cmd)
}

// SendTo delivers an addressed command to a known provider channel,
// bypassing serial resolution. Used when the caller already holds the
// provider identity, e.g. when reacting to that provider's own messages.
func (r *Router) SendTo(providerID string, cmd *ProviderCommand) error {
	if !r.Reachable(providerID) {
		return fmt.Errorf("%w: %s", ErrUnreachable, providerID)
	}
	return r.bus.send(providerID, cmd)
}
