package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the authoritative record of device presence, group membership
// and ownership. It wraps a Repository and adds an in-memory cache for fast
// lookups.
//
// All mutations are funnelled through a single mutex, making invariant
// checks (exclusivity, sequence ordering) effectively single-threaded:
// there is exactly one writer of truth. The registry allocates the next
// seq itself and persists via compare-and-swap on the stored value, so a
// second coordination instance racing on the same serial loses cleanly
// with ErrStaleSeq instead of corrupting state.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	// writeMu serialises every mutation. Invariants are checked under
	// this lock against fresh repository state.
	writeMu sync.Mutex

	cache   map[string]*Device // Cached devices by serial
	cacheMu sync.RWMutex       // Protects cache

	// shuttingDown rejects new mutations once shutdown begins. Guarded
	// by writeMu so in-flight mutations finish before Shutdown returns.
	shuttingDown bool

	logger Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching and
// sequence allocation.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.Serial] = d.Copy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by serial.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, serial string) (*Device, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[serial]
	r.cacheMu.RUnlock()

	if ok {
		return cached.Copy(), nil
	}

	// Fall back to repository (might be a device registered by another instance)
	d, err := r.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[serial] = d.Copy()
	r.cacheMu.Unlock()

	return d, nil
}

// CurrentSeq returns the stored sequence for a serial. Consumers use this
// to discard stale events.
func (r *Registry) CurrentSeq(ctx context.Context, serial string) (int64, error) {
	d, err := r.GetDevice(ctx, serial)
	if err != nil {
		return 0, err
	}
	return d.Seq, nil
}

// Reconcile re-reads a device from the repository and replaces the cached
// entry. The change watcher calls this for every peer-instance write, so
// reads on this instance serve the persisted record instead of whatever
// the cache held before the write.
//
// Returns the fresh device and the sequence the cache held before the
// re-read (zero when the serial was not cached). A device that is gone
// from the repository is evicted and reported as ErrDeviceNotFound.
func (r *Registry) Reconcile(ctx context.Context, serial string) (*Device, int64, error) {
	r.cacheMu.RLock()
	var prev int64
	if cached, ok := r.cache[serial]; ok {
		prev = cached.Seq
	}
	r.cacheMu.RUnlock()

	d, err := r.repo.GetBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			r.cacheMu.Lock()
			delete(r.cache, serial)
			r.cacheMu.Unlock()
		}
		return nil, prev, err
	}

	r.cacheMu.Lock()
	// A local mutation may have landed a newer record in the meantime;
	// never move the cache backwards.
	if cached, ok := r.cache[serial]; !ok || cached.Seq < d.Seq {
		r.cache[serial] = d.Copy()
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device reconciled", "serial", serial, "seq", d.Seq, "cached_seq", prev)
	return d.Copy(), prev, nil
}

// ListDevices retrieves all devices.
// The returned devices are copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.Copy())
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// ListByGroup retrieves all devices currently in a group.
func (r *Registry) ListByGroup(ctx context.Context, groupID string) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.GroupID == groupID {
				devices = append(devices, *d.Copy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByGroup(ctx, groupID)
}

// ListByProvider retrieves all devices served by a provider process.
func (r *Registry) ListByProvider(ctx context.Context, providerID string) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.ProviderID == providerID {
				devices = append(devices, *d.Copy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByProvider(ctx, providerID)
}

// Register creates a device record and its origin group for a serial seen
// for the first time. The device starts present, served by providerID,
// in its origin group, at seq 1.
//
// Returns ErrDeviceExists if the serial is already registered, and
// ErrShuttingDown once shutdown has begun.
func (r *Registry) Register(ctx context.Context, serial, providerID string) (*Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.shuttingDown {
		return nil, ErrShuttingDown
	}

	now := time.Now().UTC()
	origin := &Group{
		ID:        OriginGroupID(serial),
		Kind:      GroupOrigin,
		CreatedAt: now,
	}
	if err := r.repo.InsertGroup(ctx, origin); err != nil && !errors.Is(err, ErrGroupExists) {
		return nil, fmt.Errorf("creating origin group: %w", err)
	}

	d := &Device{
		Serial:       serial,
		Presence:     PresencePresent,
		GroupID:      origin.ID,
		ProviderID:   providerID,
		Seq:          1,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := r.repo.Insert(ctx, d); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[serial] = d.Copy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "serial", serial, "provider", providerID)
	return d.Copy(), nil
}

// ApplyMutation applies a patch to a device, allocating the next sequence
// number and persisting via compare-and-swap on the stored one.
//
// Returns ErrStaleSeq if a concurrent writer advanced the device first
// (the caller should re-read and retry), ErrInvalidPatch if the patch
// would violate an invariant, and ErrShuttingDown once shutdown has begun.
func (r *Registry) ApplyMutation(ctx context.Context, serial string, patch Patch) (*Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.shuttingDown {
		return nil, ErrShuttingDown
	}

	// Read fresh state: the persisted record, not local memory, is truth.
	current, err := r.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	if err := validatePatch(current, patch); err != nil {
		return nil, err
	}

	updated, err := r.repo.Apply(ctx, serial, current.Seq, current.Seq+1, patch)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[serial] = updated.Copy()
	r.cacheMu.Unlock()

	r.logger.Debug("device mutated", "serial", serial, "seq", updated.Seq)
	return updated.Copy(), nil
}

// GetGroup retrieves a group by ID.
func (r *Registry) GetGroup(ctx context.Context, id string) (*Group, error) {
	return r.repo.GetGroup(ctx, id)
}

// CreateGroup persists a new group record.
func (r *Registry) CreateGroup(ctx context.Context, g *Group) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.shuttingDown {
		return ErrShuttingDown
	}
	return r.repo.InsertGroup(ctx, g)
}

// DeleteGroup removes a group record. Origin groups are never deleted
// while their device exists; the coordinator only calls this for user
// groups at release time.
func (r *Registry) DeleteGroup(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.shuttingDown {
		return ErrShuttingDown
	}
	return r.repo.DeleteGroup(ctx, id)
}

// DeviceCount returns the number of cached devices.
func (r *Registry) DeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Shutdown stops accepting mutations. It blocks until any in-flight
// mutation finishes, then flips the flag; subsequent mutations fail with
// ErrShuttingDown. Reads remain available for final-state queries.
func (r *Registry) Shutdown() {
	r.writeMu.Lock()
	r.shuttingDown = true
	r.writeMu.Unlock()

	r.logger.Info("device registry shut down")
}

// validatePatch rejects patches that would break registry invariants:
//
//  1. GroupID never becomes empty (a device always has a group).
//  2. ProviderID is set if and only if presence is present.
//  3. OwnerEmail is only set while the device is in a user group.
func validatePatch(current *Device, patch Patch) error {
	next := *current
	if patch.Presence != nil {
		next.Presence = *patch.Presence
	}
	if patch.GroupID != nil {
		next.GroupID = *patch.GroupID
	}
	if patch.OwnerEmail != nil {
		next.OwnerEmail = *patch.OwnerEmail
	}
	if patch.ProviderID != nil {
		next.ProviderID = *patch.ProviderID
	}

	if next.GroupID == "" {
		return fmt.Errorf("%w: device must always belong to a group", ErrInvalidPatch)
	}
	if (next.ProviderID == "") != (next.Presence == PresenceAbsent) {
		return fmt.Errorf("%w: provider must be set exactly while present", ErrInvalidPatch)
	}
	if next.OwnerEmail != "" && !IsUserGroupID(next.GroupID) {
		return fmt.Errorf("%w: owner requires a user group", ErrInvalidPatch)
	}
	if next.OwnerEmail == "" && IsUserGroupID(next.GroupID) {
		return fmt.Errorf("%w: user group requires an owner", ErrInvalidPatch)
	}
	return nil
}
