package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/fleetlab/fleetlab-core/internal/device"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/mqtt"
	"github.com/fleetlab/fleetlab-core/internal/wire"
)

// Subscriber is the broker surface the watcher consumes through.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Publisher re-broadcasts translated events to the local channels.
type Publisher interface {
	PublishApp(ev *wire.DeviceEvent) error
	PublishProvider(ev *wire.DeviceEvent) error
}

// Reconciler pulls a peer instance's write into the local registry.
// Returns the fresh record and the sequence the registry held before the
// re-read. Satisfied by the device registry.
type Reconciler interface {
	Reconcile(ctx context.Context, serial string) (*device.Device, int64, error)
}

// PresenceHandler reacts to provider transports dying.
type PresenceHandler interface {
	ProviderLost(ctx context.Context, providerID string) error
}

// Reachability records provider transport state for the router.
type Reachability interface {
	SetReachable(providerID string, up bool)
}

// Logger is the minimal logging interface the watcher requires.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Watcher consumes change notifications and provider status from the
// broker and turns them into local effects: remote device mutations are
// translated into canonical events and re-broadcast on this instance's
// channels, and provider transport loss triggers the forced-release
// sweep.
//
// Change notifications arrive at least once and unordered. Every remote
// device notification first reconciles the registry from the persisted
// record, so reads on this instance stop serving pre-change state; only
// then is staleness judged, against the registry's stored sequence and
// the last sequence this instance re-broadcast. No cross-device ordering
// is assumed.
type Watcher struct {
	origin   string
	sub      Subscriber
	bus      Publisher
	reg      Reconciler
	presence PresenceHandler
	reach    Reachability
	logger   Logger

	mu      sync.Mutex
	applied map[string]int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a watcher. origin is this instance's platform ID, used to
// discard notifications for writes this instance made itself.
func New(origin string, sub Subscriber, bus Publisher, reg Reconciler, presence PresenceHandler, reach Reachability, logger Logger) *Watcher {
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		origin:   origin,
		sub:      sub,
		bus:      bus,
		reg:      reg,
		presence: presence,
		reach:    reach,
		logger:   logger,
		applied:  make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the change and provider status topics. The broker
// client restores these subscriptions itself after a reconnect.
func (w *Watcher) Start() error {
	topics := mqtt.Topics{}

	if err := w.sub.Subscribe(topics.AllChanges(), 1, w.handleChange); err != nil {
		return err
	}
	if err := w.sub.Subscribe(topics.AllProviderStatus(), 1, w.handleProviderStatus); err != nil {
		return err
	}

	w.logger.Info("watcher started", "origin", w.origin)
	return nil
}

// Stop unsubscribes and stops reacting to in-flight messages.
func (w *Watcher) Stop() {
	w.cancel()

	topics := mqtt.Topics{}
	if err := w.sub.Unsubscribe(topics.AllChanges()); err != nil {
		w.logger.Warn("unsubscribe failed", "topic", topics.AllChanges(), "error", err)
	}
	if err := w.sub.Unsubscribe(topics.AllProviderStatus()); err != nil {
		w.logger.Warn("unsubscribe failed", "topic", topics.AllProviderStatus(), "error", err)
	}

	w.logger.Info("watcher stopped")
}

// AppliedSeq returns the last change sequence applied for a serial, or
// zero when none has been seen.
func (w *Watcher) AppliedSeq(serial string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied[serial]
}

// handleChange dispatches a change notification by collection. Corrupt
// payloads are logged and dropped; they must never wedge the stream.
func (w *Watcher) handleChange(topic string, payload []byte) error {
	collection := topic[strings.LastIndex(topic, "/")+1:]

	switch collection {
	case wire.CollectionDevices:
		return w.handleDeviceChange(payload)
	case wire.CollectionGroups:
		return w.handleGroupChange(payload)
	default:
		w.logger.Warn("change for unknown collection dropped", "topic", topic)
		return nil
	}
}

func (w *Watcher) handleDeviceChange(payload []byte) error {
	ch, err := wire.DecodeDeviceChange(payload)
	if err != nil {
		w.logger.Warn("corrupt device change dropped", "error", err)
		return nil
	}
	if ch.Origin == w.origin {
		return nil
	}

	// The persisted record, not this process's memory, is the truth: pull
	// it into the registry before anything else, so local reads stop
	// serving the pre-change state even when the notification itself turns
	// out to be a duplicate.
	fresh, stored, err := w.reg.Reconcile(w.ctx, ch.Serial)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			w.logger.Warn("change for unknown device dropped", "serial", ch.Serial, "seq", ch.Seq)
			return nil
		}
		// Not recorded as applied; the broker redelivers at QoS 1.
		w.logger.Warn("registry reconcile failed, change dropped",
			"serial", ch.Serial,
			"seq", ch.Seq,
			"error", err)
		return nil
	}

	if ch.Seq <= stored || !w.advance(ch.Serial, ch.Seq) {
		w.logger.Debug("stale device change dropped",
			"serial", ch.Serial,
			"seq", ch.Seq,
			"stored", stored,
			"applied", w.AppliedSeq(ch.Serial))
		return nil
	}

	ev := &wire.DeviceEvent{
		ID:         wire.NewEventID(),
		Kind:       ch.Kind,
		Serial:     ch.Serial,
		Seq:        ch.Seq,
		GroupID:    ch.GroupID,
		OwnerEmail: ch.OwnerEmail,
		ProviderID: ch.ProviderID,
		Forced:     ch.Forced,
	}

	if err := w.bus.PublishApp(ev); err != nil {
		w.logger.Warn("re-broadcast to app channel failed", "serial", ch.Serial, "error", err)
	}
	if err := w.bus.PublishProvider(ev); err != nil {
		w.logger.Warn("re-broadcast to provider channel failed", "serial", ch.Serial, "error", err)
	}

	w.logger.Debug("remote device change applied",
		"serial", ch.Serial,
		"kind", ch.Kind,
		"seq", ch.Seq,
		"store_seq", fresh.Seq,
		"origin", ch.Origin)
	return nil
}

func (w *Watcher) handleGroupChange(payload []byte) error {
	ch, err := wire.DecodeGroupChange(payload)
	if err != nil {
		w.logger.Warn("corrupt group change dropped", "error", err)
		return nil
	}
	if ch.Origin == w.origin {
		return nil
	}

	kind := wire.EventGroupCreated
	if ch.Deleted {
		kind = wire.EventGroupDeleted
	}
	ev := &wire.DeviceEvent{
		ID:         wire.NewEventID(),
		Kind:       kind,
		Serial:     ch.Serial,
		Seq:        ch.Seq,
		GroupID:    ch.GroupID,
		OwnerEmail: ch.OwnerEmail,
	}

	if err := w.bus.PublishApp(ev); err != nil {
		w.logger.Warn("re-broadcast to app channel failed", "group_id", ch.GroupID, "error", err)
	}
	if err := w.bus.PublishProvider(ev); err != nil {
		w.logger.Warn("re-broadcast to provider channel failed", "group_id", ch.GroupID, "error", err)
	}
	return nil
}

// handleProviderStatus feeds the router's reachability map and fires the
// forced-release sweep when a provider's will message arrives.
func (w *Watcher) handleProviderStatus(topic string, payload []byte) error {
	providerID := providerFromStatusTopic(topic)
	if providerID == "" {
		w.logger.Warn("status on unparseable topic dropped", "topic", topic)
		return nil
	}

	st, err := wire.DecodeProviderStatus(payload)
	if err != nil {
		w.logger.Warn("corrupt provider status dropped", "topic", topic, "error", err)
		return nil
	}

	if st.Status == wire.StatusOnline {
		w.reach.SetReachable(providerID, true)
		w.logger.Info("provider online", "provider", providerID)
		return nil
	}

	w.reach.SetReachable(providerID, false)
	w.logger.Info("provider offline", "provider", providerID)

	if err := w.presence.ProviderLost(w.ctx, providerID); err != nil {
		w.logger.Error("provider loss sweep incomplete", "provider", providerID, "error", err)
	}
	return nil
}

// advance records seq as applied for serial if it is newer than what was
// seen before. Returns false for duplicates and stale arrivals.
func (w *Watcher) advance(serial string, seq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.applied[serial] {
		return false
	}
	w.applied[serial] = seq
	return true
}

// providerFromStatusTopic extracts the provider ID from a topic of the
// form fleetlab/provider/<id>/status.
func providerFromStatusTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "status" {
		return ""
	}
	return parts[2]
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
