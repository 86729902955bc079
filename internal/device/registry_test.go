package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository implements Repository in memory with real CAS semantics
// on seq, so registry tests exercise the same conflict behaviour the
// SQLite implementation has.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	groups  map[string]*Group

	failApply error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
		groups:  make(map[string]*Group),
	}
}

func (m *MockRepository) GetBySerial(_ context.Context, serial string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[serial]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.Copy(), nil
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.Copy())
	}
	return out, nil
}

func (m *MockRepository) ListByGroup(_ context.Context, groupID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.GroupID == groupID {
			out = append(out, *d.Copy())
		}
	}
	return out, nil
}

func (m *MockRepository) ListByProvider(_ context.Context, providerID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.ProviderID == providerID {
			out = append(out, *d.Copy())
		}
	}
	return out, nil
}

func (m *MockRepository) Insert(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.Serial]; ok {
		return ErrDeviceExists
	}
	m.devices[d.Serial] = d.Copy()
	return nil
}

func (m *MockRepository) Apply(_ context.Context, serial string, expectedSeq, newSeq int64, patch Patch) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failApply != nil {
		return nil, m.failApply
	}

	d, ok := m.devices[serial]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if d.Seq != expectedSeq {
		return nil, ErrStaleSeq
	}

	if patch.Presence != nil {
		d.Presence = *patch.Presence
	}
	if patch.GroupID != nil {
		d.GroupID = *patch.GroupID
	}
	if patch.OwnerEmail != nil {
		d.OwnerEmail = *patch.OwnerEmail
	}
	if patch.ProviderID != nil {
		d.ProviderID = *patch.ProviderID
	}
	d.Seq = newSeq
	d.UpdatedAt = time.Now().UTC()
	return d.Copy(), nil
}

func (m *MockRepository) GetGroup(_ context.Context, id string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	copied := *g
	return &copied, nil
}

func (m *MockRepository) ListGroups(_ context.Context) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (m *MockRepository) InsertGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return ErrGroupExists
	}
	copied := *g
	m.groups[g.ID] = &copied
	return nil
}

func (m *MockRepository) DeleteGroup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrGroupNotFound
	}
	delete(m.groups, id)
	return nil
}

func newTestRegistry() (*Registry, *MockRepository) {
	repo := NewMockRepository()
	return NewRegistry(repo), repo
}

func TestRegisterCreatesOriginGroupAtSeqOne(t *testing.T) {
	reg, repo := newTestRegistry()

	d, err := reg.Register(context.Background(), "SERIAL-1", "provider-a")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if d.Seq != 1 {
		t.Errorf("seq = %d, want 1", d.Seq)
	}
	if d.Presence != PresencePresent {
		t.Errorf("presence = %q, want present", d.Presence)
	}
	if d.GroupID != OriginGroupID("SERIAL-1") {
		t.Errorf("group = %q, want origin group", d.GroupID)
	}

	g, err := repo.GetGroup(context.Background(), OriginGroupID("SERIAL-1"))
	if err != nil {
		t.Fatalf("origin group missing: %v", err)
	}
	if g.Kind != GroupOrigin {
		t.Errorf("group kind = %q, want origin", g.Kind)
	}
}

func TestRegisterDuplicateSerial(t *testing.T) {
	reg, _ := newTestRegistry()

	if _, err := reg.Register(context.Background(), "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := reg.Register(context.Background(), "SERIAL-1", "provider-b")
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("second Register() error = %v, want ErrDeviceExists", err)
	}
}

func TestApplyMutationAllocatesMonotonicSeq(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	absent := PresenceAbsent
	present := PresencePresent
	noProvider := ""
	providerA := "provider-a"

	d, err := reg.ApplyMutation(ctx, "SERIAL-1", Patch{Presence: &absent, ProviderID: &noProvider})
	if err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}
	if d.Seq != 2 {
		t.Errorf("seq after first mutation = %d, want 2", d.Seq)
	}

	d, err = reg.ApplyMutation(ctx, "SERIAL-1", Patch{Presence: &present, ProviderID: &providerA})
	if err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}
	if d.Seq != 3 {
		t.Errorf("seq after second mutation = %d, want 3", d.Seq)
	}
}

func TestApplyMutationSurfacesStaleSeq(t *testing.T) {
	reg, repo := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	repo.failApply = ErrStaleSeq

	absent := PresenceAbsent
	noProvider := ""
	_, err := reg.ApplyMutation(ctx, "SERIAL-1", Patch{Presence: &absent, ProviderID: &noProvider})
	if !errors.Is(err, ErrStaleSeq) {
		t.Fatalf("ApplyMutation() error = %v, want ErrStaleSeq", err)
	}
}

func TestValidatePatchInvariants(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	empty := ""
	absent := PresenceAbsent
	owner := "alice@example.com"
	userGroup := NewUserGroupID()

	cases := []struct {
		name  string
		patch Patch
	}{
		{"empty group", Patch{GroupID: &empty}},
		{"absent with provider kept", Patch{Presence: &absent}},
		{"owner in origin group", Patch{OwnerEmail: &owner}},
		{"user group without owner", Patch{GroupID: &userGroup}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.ApplyMutation(ctx, "SERIAL-1", tc.patch)
			if !errors.Is(err, ErrInvalidPatch) {
				t.Errorf("ApplyMutation() error = %v, want ErrInvalidPatch", err)
			}
		})
	}
}

func TestGetDeviceReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d1, err := reg.GetDevice(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	d1.OwnerEmail = "tampered@example.com"

	d2, err := reg.GetDevice(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d2.OwnerEmail != "" {
		t.Error("mutating a returned device must not affect registry state")
	}
}

func TestReconcileRefreshesStaleCache(t *testing.T) {
	reg, repo := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// A peer instance claims the device: the write lands in the shared
	// repository without touching this instance's cache.
	groupID := NewUserGroupID()
	owner := "alice@example.com"
	if _, err := repo.Apply(ctx, "SERIAL-1", 1, 2, Patch{GroupID: &groupID, OwnerEmail: &owner}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	stale, err := reg.GetDevice(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if stale.Seq != 1 || stale.OwnerEmail != "" {
		t.Fatalf("pre-reconcile device = seq %d owner %q, expected the cached seq-1 record", stale.Seq, stale.OwnerEmail)
	}

	fresh, prev, err := reg.Reconcile(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if prev != 1 {
		t.Errorf("previously cached seq = %d, want 1", prev)
	}
	if fresh.Seq != 2 || fresh.OwnerEmail != owner {
		t.Errorf("reconciled device = seq %d owner %q, want 2 and %q", fresh.Seq, fresh.OwnerEmail, owner)
	}

	// Cache-first reads now serve the persisted record.
	got, err := reg.GetDevice(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("GetDevice() after reconcile error = %v", err)
	}
	if got.Seq != 2 || got.OwnerEmail != owner {
		t.Errorf("post-reconcile device = seq %d owner %q, want 2 and %q", got.Seq, got.OwnerEmail, owner)
	}
}

func TestReconcileEvictsVanishedDevice(t *testing.T) {
	reg, repo := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	repo.mu.Lock()
	delete(repo.devices, "SERIAL-1")
	repo.mu.Unlock()

	if _, prev, err := reg.Reconcile(ctx, "SERIAL-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Reconcile() error = %v, want ErrDeviceNotFound", err)
	} else if prev != 1 {
		t.Errorf("previously cached seq = %d, want 1", prev)
	}

	// The stale entry is gone; the cache no longer resurrects the device.
	if _, err := reg.GetDevice(ctx, "SERIAL-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after eviction error = %v, want ErrDeviceNotFound", err)
	}
}

func TestShutdownRejectsMutations(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	reg.Shutdown()

	if _, err := reg.Register(ctx, "SERIAL-2", "provider-a"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Register() after shutdown error = %v, want ErrShuttingDown", err)
	}
	absent := PresenceAbsent
	noProvider := ""
	if _, err := reg.ApplyMutation(ctx, "SERIAL-1", Patch{Presence: &absent, ProviderID: &noProvider}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("ApplyMutation() after shutdown error = %v, want ErrShuttingDown", err)
	}

	// Reads stay available for final-state queries.
	if _, err := reg.GetDevice(ctx, "SERIAL-1"); err != nil {
		t.Errorf("GetDevice() after shutdown error = %v, want nil", err)
	}
}

func TestRefreshCachePopulatesFromRepository(t *testing.T) {
	repo := NewMockRepository()
	now := time.Now().UTC()
	seed := &Device{
		Serial:       "SERIAL-1",
		Presence:     PresencePresent,
		GroupID:      OriginGroupID("SERIAL-1"),
		ProviderID:   "provider-a",
		Seq:          7,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := repo.Insert(context.Background(), seed); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	reg := NewRegistry(repo)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if got := reg.DeviceCount(); got != 1 {
		t.Errorf("DeviceCount() = %d, want 1", got)
	}
	seq, err := reg.CurrentSeq(context.Background(), "SERIAL-1")
	if err != nil {
		t.Fatalf("CurrentSeq() error = %v", err)
	}
	if seq != 7 {
		t.Errorf("CurrentSeq() = %d, want 7", seq)
	}
}

func TestConcurrentMutationsStaySequential(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "SERIAL-1", "provider-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			presence := PresencePresent
			provider := "provider-a"
			if n%2 == 1 {
				presence = PresenceAbsent
				provider = ""
			}
			if _, err := reg.ApplyMutation(ctx, "SERIAL-1", Patch{Presence: &presence, ProviderID: &provider}); err != nil {
				t.Errorf("ApplyMutation() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	seq, err := reg.CurrentSeq(ctx, "SERIAL-1")
	if err != nil {
		t.Fatalf("CurrentSeq() error = %v", err)
	}
	if seq != writers+1 {
		t.Errorf("final seq = %d, want %d", seq, writers+1)
	}
}

func TestGroupIDHelpers(t *testing.T) {
	if got := OriginGroupID("SERIAL-1"); got != "origin-SERIAL-1" {
		t.Errorf("OriginGroupID() = %q", got)
	}
	if IsUserGroupID(OriginGroupID("SERIAL-1")) {
		t.Error("origin group ID misclassified as user group")
	}

	ug := NewUserGroupID()
	if !IsUserGroupID(ug) {
		t.Errorf("NewUserGroupID() = %q, not recognised as user group", ug)
	}
	if ug == NewUserGroupID() {
		t.Error("user group IDs must be unique")
	}
}
