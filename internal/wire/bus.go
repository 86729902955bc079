package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetlab/fleetlab-core/internal/infrastructure/mqtt"
)

// Transport is the subset of the MQTT client the bus needs. Narrowed to
// an interface so tests can substitute an in-memory transport.
type Transport interface {
	PublishAsync(topic string, payload []byte, qos byte) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger is the minimal logging interface the bus requires.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Bus distributes canonical device events over the broker's broadcast
// topics. Publishes never block the caller: payloads are handed to the
// transport's outbound queue and a saturated or disconnected transport
// surfaces as a dropped publish, not backpressure. Consumers that miss a
// broadcast re-sync from the registry.
type Bus struct {
	transport Transport
	topics    mqtt.Topics
	origin    string
	logger    Logger
}

// NewBus creates an event bus over the given transport. origin is this
// instance's platform ID, stamped on change notifications so peers can
// distinguish remote writes from their own.
func NewBus(transport Transport, origin string, logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bus{
		transport: transport,
		topics:    mqtt.Topics{},
		origin:    origin,
		logger:    logger,
	}
}

// Origin returns the instance ID stamped on outgoing change notifications.
func (b *Bus) Origin() string {
	return b.origin
}

// PublishApp broadcasts an event on the front-end channel.
func (b *Bus) PublishApp(ev *DeviceEvent) error {
	return b.broadcast(b.topics.AppEvents(), ev)
}

// PublishProvider broadcasts an event on the provider channel.
func (b *Bus) PublishProvider(ev *DeviceEvent) error {
	return b.broadcast(b.topics.ProviderEvents(), ev)
}

// Broadcast publishes the event on both broadcast channels and mirrors
// it onto the matching change-notification topic for peer instances. A
// failure on one leg does not stop the others; the first error is
// returned.
func (b *Bus) Broadcast(ev *DeviceEvent) error {
	appErr := b.PublishApp(ev)
	provErr := b.PublishProvider(ev)
	changeErr := b.publishChange(ev)
	if appErr != nil {
		return appErr
	}
	if provErr != nil {
		return provErr
	}
	return changeErr
}

// publishChange mirrors a broadcast event as a QoS 1 change notification
// so peer instances observe the mutation at least once.
func (b *Bus) publishChange(ev *DeviceEvent) error {
	var topic string
	var payload []byte
	var err error

	switch ev.Kind {
	case EventGroupCreated, EventGroupDeleted:
		topic = b.topics.Changes(CollectionGroups)
		payload, err = json.Marshal(GroupChange{
			Origin:     b.origin,
			GroupID:    ev.GroupID,
			Serial:     ev.Serial,
			Seq:        ev.Seq,
			OwnerEmail: ev.OwnerEmail,
			Deleted:    ev.Kind == EventGroupDeleted,
		})
	default:
		topic = b.topics.Changes(CollectionDevices)
		payload, err = json.Marshal(DeviceChange{
			Origin:     b.origin,
			Kind:       ev.Kind,
			Serial:     ev.Serial,
			Seq:        ev.Seq,
			GroupID:    ev.GroupID,
			OwnerEmail: ev.OwnerEmail,
			ProviderID: ev.ProviderID,
			Forced:     ev.Forced,
		})
	}
	if err != nil {
		return fmt.Errorf("encoding change notification: %w", err)
	}

	if err := b.transport.Publish(topic, payload, 1, false); err != nil {
		b.logger.Warn("change notification dropped",
			"topic", topic,
			"kind", ev.Kind,
			"serial", ev.Serial,
			"error", err)
		return fmt.Errorf("%w: %s", ErrPublishDropped, topic)
	}
	return nil
}

func (b *Bus) broadcast(topic string, ev *DeviceEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}

	if err := b.transport.PublishAsync(topic, payload, 0); err != nil {
		b.logger.Warn("broadcast dropped",
			"topic", topic,
			"kind", ev.Kind,
			"serial", ev.Serial,
			"seq", ev.Seq,
			"error", err)
		return fmt.Errorf("%w: %s", ErrPublishDropped, topic)
	}

	b.logger.Debug("event broadcast",
		"topic", topic,
		"kind", ev.Kind,
		"serial", ev.Serial,
		"seq", ev.Seq)
	return nil
}

// send delivers an addressed command to one provider's command topic at
// QoS 1. Used by the router after it has resolved and checked the target.
func (b *Bus) send(providerID string, cmd *ProviderCommand) error {
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}

	topic := b.topics.ProviderCommand(providerID)
	if err := b.transport.Publish(topic, payload, 1, false); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return fmt.Errorf("%w: %s", ErrUnreachable, providerID)
		}
		return fmt.Errorf("sending command to provider %s: %w", providerID, err)
	}

	b.logger.Debug("command sent",
		"provider_id", providerID,
		"type", cmd.Type,
		"serial", cmd.Serial,
		"seq", cmd.Seq)
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
