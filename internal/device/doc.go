// Package device provides the Device Registry for FleetLab Core.
//
// The registry is the authoritative record of device presence, group
// membership and ownership: the source of truth the rest of the system
// reacts to. Every device belongs to exactly one group at all times - its
// platform-owned origin group while unclaimed, or a transient user group
// while claimed for exclusive remote use.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────┐
//	│                      Device Registry                        │
//	│                                                             │
//	│  ┌───────────────┐        ┌────────────────┐                │
//	│  │   Registry    │        │   Repository   │                │
//	│  │ (registry.go) │──────▶│(repository.go) │                │
//	│  │               │        │                │                │
//	│  │ • single      │        │ • SQLite CAS   │                │
//	│  │   writer      │        │   on seq       │                │
//	│  │ • seq alloc   │        │ • group CRUD   │                │
//	│  │ • cache       │        │                │                │
//	│  └───────────────┘        └────────────────┘                │
//	│          ▲                                                  │
//	└──────────│──────────────────────────────────────────────────┘
//	           │
//	  GroupCoordinator, DevicesWatcher, entry-point API
//
// # Sequence discipline
//
// Seq is a per-device monotonic counter incremented on every mutation.
// The registry allocates the next value itself and persists with
// compare-and-swap on the stored one, so concurrent writers (another
// coordination instance sharing the truth store) serialise at this
// boundary: the loser gets ErrStaleSeq and retries from a fresh read.
// Consumers of the event stream drop anything with seq at or below what
// they have already applied, which makes at-least-once delivery safe.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// First provider registration
//	dev, err := registry.Register(ctx, "R2D2001", "provider-eu-1")
//
//	// Mutate through a patch; seq is allocated internally
//	absent := device.PresenceAbsent
//	cleared := ""
//	dev, err = registry.ApplyMutation(ctx, "R2D2001", device.Patch{
//	    Presence:   &absent,
//	    ProviderID: &cleared,
//	})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Mutations are serialised by a
// single write lock; reads are served from an RWMutex-protected cache of
// copies.
package device
