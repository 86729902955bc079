package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetlab/fleetlab-core/internal/device"
	"github.com/fleetlab/fleetlab-core/internal/wire"
)

// casRetries bounds re-reads after losing a sequence race to another
// coordination instance. Local writers serialise in the registry, so a
// retry only ever fires in multi-instance deployments.
const casRetries = 3

// DeviceStore is the registry surface the coordinator mutates through.
type DeviceStore interface {
	GetDevice(ctx context.Context, serial string) (*device.Device, error)
	Register(ctx context.Context, serial, providerID string) (*device.Device, error)
	ApplyMutation(ctx context.Context, serial string, patch device.Patch) (*device.Device, error)
	ListByProvider(ctx context.Context, providerID string) ([]device.Device, error)
	CreateGroup(ctx context.Context, g *device.Group) error
	DeleteGroup(ctx context.Context, id string) error
}

// Publisher broadcasts canonical events to both event channels.
type Publisher interface {
	Broadcast(ev *wire.DeviceEvent) error
}

// Sender delivers addressed commands to provider channels. SendTo
// bypasses serial resolution for transitions that clear the device's
// provider in the same write.
type Sender interface {
	Send(ctx context.Context, serial string, cmd *wire.ProviderCommand) error
	SendTo(providerID string, cmd *wire.ProviderCommand) error
}

// Auditor records ownership changes for the audit trail.
type Auditor interface {
	Record(ctx context.Context, action, serial, actor string, seq int64, forced bool)
}

// Logger is the minimal logging interface the coordinator requires.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Coordinator implements the device ownership state machine: exclusive
// claims, releases, forced releases on provider loss, and presence
// transitions. Every transition lands in the registry first; events and
// addressed commands follow from the committed record, never the other
// way around.
type Coordinator struct {
	store   DeviceStore
	bus     Publisher
	sender  Sender
	auditor Auditor
	logger  Logger
}

// NewCoordinator creates a coordinator. Sender and auditor may be nil;
// addressed commands and audit records are then skipped.
func NewCoordinator(store DeviceStore, bus Publisher, sender Sender, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		store:  store,
		bus:    bus,
		sender: sender,
		logger: logger,
	}
}

// SetAuditor attaches an audit recorder.
func (c *Coordinator) SetAuditor(a Auditor) {
	c.auditor = a
}

// Claim gives email exclusive ownership of the device by creating a user
// group and moving the device into it.
//
// Returns ErrAlreadyClaimed if any user (including email) holds the
// device, ErrDeviceOffline if the device is absent, and
// device.ErrDeviceNotFound for unknown serials.
func (c *Coordinator) Claim(ctx context.Context, serial, email string) (*device.Group, error) {
	var claimed *device.Device
	var userGroup *device.Group

	err := c.withRetry(ctx, func() error {
		d, err := c.store.GetDevice(ctx, serial)
		if err != nil {
			return err
		}
		if d.Claimed() {
			return fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, serial, d.OwnerEmail)
		}
		if d.Presence != device.PresencePresent {
			return fmt.Errorf("%w: %s", ErrDeviceOffline, serial)
		}

		g := &device.Group{
			ID:         device.NewUserGroupID(),
			Kind:       device.GroupUser,
			OwnerEmail: email,
		}
		if err := c.store.CreateGroup(ctx, g); err != nil {
			return fmt.Errorf("creating user group: %w", err)
		}

		claimed, err = c.store.ApplyMutation(ctx, serial, device.Patch{
			GroupID:    &g.ID,
			OwnerEmail: &email,
		})
		if err != nil {
			// Don't leave an orphan group behind a failed move.
			if delErr := c.store.DeleteGroup(ctx, g.ID); delErr != nil {
				c.logger.Warn("orphan group cleanup failed", "group_id", g.ID, "error", delErr)
			}
			return err
		}
		userGroup = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.bus.Broadcast(wire.NewDeviceEvent(wire.EventDeviceClaimed, claimed))
	c.bus.Broadcast(&wire.DeviceEvent{
		ID:         wire.NewEventID(),
		Kind:       wire.EventGroupCreated,
		Serial:     serial,
		Seq:        claimed.Seq,
		GroupID:    userGroup.ID,
		GroupKind:  device.GroupUser,
		OwnerEmail: email,
		Timestamp:  claimed.UpdatedAt,
	})
	c.sendCommand(ctx, serial, wire.NewProviderCommand(wire.CommandAttach, serial, claimed.Seq))
	c.audit(ctx, "claim", serial, email, claimed.Seq, false)

	c.logger.Info("device claimed", "serial", serial, "owner", email, "group_id", userGroup.ID)
	return userGroup, nil
}

// Release ends email's claim on the device, returning it to its origin
// group and deleting the user group. Releasing an offline device is
// allowed: ownership is registry state, not a live session.
//
// Returns ErrNotClaimed if the device is in its origin group and
// ErrNotOwner if a different user holds it.
func (c *Coordinator) Release(ctx context.Context, serial, email string) error {
	var released *device.Device
	var oldGroupID, oldOwner string

	err := c.withRetry(ctx, func() error {
		d, err := c.store.GetDevice(ctx, serial)
		if err != nil {
			return err
		}
		if !d.Claimed() {
			return fmt.Errorf("%w: %s", ErrNotClaimed, serial)
		}
		if d.OwnerEmail != email {
			return fmt.Errorf("%w: %s held by %s", ErrNotOwner, serial, d.OwnerEmail)
		}
		oldGroupID, oldOwner = d.GroupID, d.OwnerEmail

		released, err = c.moveToOrigin(ctx, d)
		return err
	})
	if err != nil {
		return err
	}

	c.finishRelease(ctx, released, oldGroupID, oldOwner, false)
	c.logger.Info("device released", "serial", serial, "owner", email)
	return nil
}

// ForcedRelease ends any claim on the device without an owner check.
// Invoked when the serving provider disappears: the owner's session is
// gone, so the claim must not outlive it. A device that is not claimed
// is left untouched.
func (c *Coordinator) ForcedRelease(ctx context.Context, serial string) error {
	var released *device.Device
	var oldGroupID, oldOwner string

	err := c.withRetry(ctx, func() error {
		d, err := c.store.GetDevice(ctx, serial)
		if err != nil {
			return err
		}
		if !d.Claimed() {
			return nil
		}
		oldGroupID, oldOwner = d.GroupID, d.OwnerEmail

		released, err = c.moveToOrigin(ctx, d)
		return err
	})
	if err != nil {
		return err
	}
	if released == nil {
		return nil
	}

	c.finishRelease(ctx, released, oldGroupID, oldOwner, true)
	c.logger.Info("device force-released", "serial", serial, "previous_owner", oldOwner)
	return nil
}

// SetPresence records a provider's report of a device connecting or
// disconnecting. Unknown serials reported present are registered on the
// spot. Transitions to absent preserve any claim; only provider loss
// revokes ownership, and that path goes through ForcedRelease.
//
// Repeated reports of the current state are dropped without allocating a
// sequence number.
func (c *Coordinator) SetPresence(ctx context.Context, serial, providerID string, present bool) (*device.Device, error) {
	d, err := c.store.GetDevice(ctx, serial)
	if errors.Is(err, device.ErrDeviceNotFound) {
		if !present {
			// An absence report for a serial we never saw carries no state.
			return nil, err
		}
		registered, regErr := c.store.Register(ctx, serial, providerID)
		if regErr != nil {
			return nil, regErr
		}
		c.bus.Broadcast(wire.NewDeviceEvent(wire.EventDeviceRegistered, registered))
		c.logger.Info("device registered on first contact", "serial", serial, "provider", providerID)
		return registered, nil
	}
	if err != nil {
		return nil, err
	}

	if present {
		if d.Presence == device.PresencePresent && d.ProviderID == providerID {
			return d, nil
		}
		presence := device.PresencePresent
		updated, err := c.store.ApplyMutation(ctx, serial, device.Patch{
			Presence:   &presence,
			ProviderID: &providerID,
		})
		if err != nil {
			return nil, err
		}
		c.bus.Broadcast(wire.NewDeviceEvent(wire.EventDevicePresent, updated))
		c.logger.Debug("device present", "serial", serial, "provider", providerID, "seq", updated.Seq)
		return updated, nil
	}

	if d.Presence == device.PresenceAbsent {
		return d, nil
	}
	// The patch clears the provider; capture it first so the reject-input
	// instruction can still be addressed.
	wasClaimed := d.Claimed()
	servedBy := d.ProviderID
	presence := device.PresenceAbsent
	noProvider := ""
	updated, err := c.store.ApplyMutation(ctx, serial, device.Patch{
		Presence:   &presence,
		ProviderID: &noProvider,
	})
	if err != nil {
		return nil, err
	}
	c.bus.Broadcast(wire.NewDeviceEvent(wire.EventDeviceWentOffline, updated))
	if wasClaimed {
		// Ownership survives the disconnect, but the provider must stop
		// accepting input for the device until it returns.
		c.sendCommandTo(servedBy, wire.NewProviderCommand(wire.CommandRejectInput, serial, updated.Seq))
	}
	c.logger.Debug("device went offline", "serial", serial, "seq", updated.Seq)
	return updated, nil
}

// ProviderLost handles a provider transport dying: every device it was
// serving goes absent and any claim on those devices is force-released.
// Per-device failures are logged and do not stop the sweep.
func (c *Coordinator) ProviderLost(ctx context.Context, providerID string) error {
	devices, err := c.store.ListByProvider(ctx, providerID)
	if err != nil {
		return fmt.Errorf("listing devices for lost provider %s: %w", providerID, err)
	}

	var failed int
	for i := range devices {
		serial := devices[i].Serial
		if _, err := c.SetPresence(ctx, serial, providerID, false); err != nil {
			c.logger.Error("presence sweep failed", "serial", serial, "provider", providerID, "error", err)
			failed++
			continue
		}
		if err := c.ForcedRelease(ctx, serial); err != nil {
			c.logger.Error("forced release failed", "serial", serial, "provider", providerID, "error", err)
			failed++
		}
	}

	c.logger.Info("provider loss handled",
		"provider", providerID,
		"devices", len(devices),
		"failed", failed)
	if failed > 0 {
		return fmt.Errorf("provider %s loss sweep: %d of %d devices failed", providerID, failed, len(devices))
	}
	return nil
}

// moveToOrigin returns a claimed device to its origin group and clears
// the owner. Must run inside a withRetry body.
func (c *Coordinator) moveToOrigin(ctx context.Context, d *device.Device) (*device.Device, error) {
	origin := device.OriginGroupID(d.Serial)
	noOwner := ""
	return c.store.ApplyMutation(ctx, d.Serial, device.Patch{
		GroupID:    &origin,
		OwnerEmail: &noOwner,
	})
}

// finishRelease emits the post-commit effects shared by user and forced
// releases: user-group teardown, broadcasts, the detach command, audit.
func (c *Coordinator) finishRelease(ctx context.Context, released *device.Device, oldGroupID, oldOwner string, forced bool) {
	if err := c.store.DeleteGroup(ctx, oldGroupID); err != nil {
		c.logger.Warn("user group cleanup failed", "group_id", oldGroupID, "error", err)
	}

	ev := wire.NewDeviceEvent(wire.EventDeviceReleased, released)
	ev.OwnerEmail = oldOwner
	ev.Forced = forced
	c.bus.Broadcast(ev)

	gone := wire.NewDeviceEvent(wire.EventGroupDeleted, released)
	gone.GroupID = oldGroupID
	gone.GroupKind = device.GroupUser
	gone.OwnerEmail = oldOwner
	c.bus.Broadcast(gone)

	if released.Presence == device.PresencePresent {
		cmd := wire.NewProviderCommand(wire.CommandDetach, released.Serial, released.Seq)
		cmd.Forced = forced
		c.sendCommand(ctx, released.Serial, cmd)
	}
	c.audit(ctx, "release", released.Serial, oldOwner, released.Seq, forced)
}

// withRetry runs fn, re-running the full precondition-and-mutate body
// when the sequence CAS loses to another instance. Any other error is
// returned as-is.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = fn()
		if !errors.Is(err, device.ErrStaleSeq) {
			return err
		}
		c.logger.Debug("sequence conflict, retrying", "attempt", attempt+1)
	}
	return err
}

// sendCommand delivers an addressed command, tolerating unreachable
// providers. The registry record is the durable truth; a provider that
// missed a command reconciles from it on reconnect.
func (c *Coordinator) sendCommand(ctx context.Context, serial string, cmd *wire.ProviderCommand) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Send(ctx, serial, cmd); err != nil {
		c.logger.Warn("provider command not delivered",
			"serial", serial,
			"type", cmd.Type,
			"error", err)
	}
}

// sendCommandTo delivers an addressed command straight to a provider
// channel, for transitions where the registry record no longer carries
// the provider. Unreachable providers are tolerated the same way as in
// sendCommand.
func (c *Coordinator) sendCommandTo(providerID string, cmd *wire.ProviderCommand) {
	if c.sender == nil || providerID == "" {
		return
	}
	if err := c.sender.SendTo(providerID, cmd); err != nil {
		c.logger.Warn("provider command not delivered",
			"provider_id", providerID,
			"type", cmd.Type,
			"error", err)
	}
}

func (c *Coordinator) audit(ctx context.Context, action, serial, actor string, seq int64, forced bool) {
	if c.auditor == nil {
		return
	}
	c.auditor.Record(ctx, action, serial, actor, seq, forced)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
