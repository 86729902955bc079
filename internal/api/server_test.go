package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetlab/fleetlab-core/internal/audit"
	"github.com/fleetlab/fleetlab-core/internal/auth"
	"github.com/fleetlab/fleetlab-core/internal/device"
	"github.com/fleetlab/fleetlab-core/internal/group"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/config"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/logging"
	"github.com/fleetlab/fleetlab-core/internal/wire"
)

const (
	testJWTSecret = "test-secret-0123456789-0123456789-abc"
	testJWTIssuer = "fleetlab-test"
)

// mockBus collects broadcast events.
type mockBus struct {
	events []*wire.DeviceEvent
}

func (m *mockBus) Broadcast(ev *wire.DeviceEvent) error {
	m.events = append(m.events, ev)
	return nil
}

// mockSender collects addressed provider commands.
type mockSender struct {
	commands []*wire.ProviderCommand
}

func (m *mockSender) Send(_ context.Context, _ string, cmd *wire.ProviderCommand) error {
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *mockSender) SendTo(_ string, cmd *wire.ProviderCommand) error {
	m.commands = append(m.commands, cmd)
	return nil
}

// testEnv bundles a fully wired API server over a temp SQLite database.
type testEnv struct {
	srv         *httptest.Server
	db          *sql.DB
	registry    *device.Registry
	coordinator *group.Coordinator
	users       *auth.SQLiteUserRepository
	tokens      *auth.SQLiteTokenRepository
	bus         *mockBus
	sender      *mockSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	f, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE devices (
			serial TEXT PRIMARY KEY,
			presence TEXT NOT NULL,
			group_id TEXT NOT NULL,
			owner_email TEXT,
			provider_id TEXT,
			seq INTEGER NOT NULL,
			registered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE device_groups (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_email TEXT,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE users (
			email TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			privilege TEXT NOT NULL DEFAULT 'user',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE access_tokens (
			id TEXT PRIMARY KEY,
			user_email TEXT NOT NULL,
			title TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_email) REFERENCES users(email) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			serial TEXT NOT NULL,
			actor TEXT,
			seq INTEGER NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("applying test schema: %v", err)
	}

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	bus := &mockBus{}
	sender := &mockSender{}
	coordinator := group.NewCoordinator(registry, bus, sender, nil)

	auditRepo := audit.NewSQLiteRepository(db)
	coordinator.SetAuditor(audit.NewRecorder(auditRepo, logger))

	users := auth.NewUserRepository(db)
	tokens := auth.NewTokenRepository(db)

	server, err := New(Deps{
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testJWTSecret, Issuer: testJWTIssuer},
		},
		Logger:      logger,
		Registry:    registry,
		Coordinator: coordinator,
		Users:       users,
		Tokens:      tokens,
		Audit:       auditRepo,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("creating api server: %v", err)
	}

	srv := httptest.NewServer(server.buildRouter())
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:         srv,
		db:          db,
		registry:    registry,
		coordinator: coordinator,
		users:       users,
		tokens:      tokens,
		bus:         bus,
		sender:      sender,
	}
}

// seedUser creates a user and returns a session token for them.
func (e *testEnv) seedUser(t *testing.T, email string, privilege auth.Privilege) string {
	t.Helper()

	user := &auth.User{Email: email, Name: email, Privilege: privilege, IsActive: true}
	if err := e.users.Create(context.Background(), user); err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	token, err := auth.GenerateSessionToken(user, testJWTSecret, testJWTIssuer, 15)
	if err != nil {
		t.Fatalf("generating session token: %v", err)
	}
	return token
}

// seedDevice registers a present device via a provider presence report.
func (e *testEnv) seedDevice(t *testing.T, serial, providerID string) {
	t.Helper()
	if _, err := e.coordinator.SetPresence(context.Background(), serial, providerID, true); err != nil {
		t.Fatalf("seeding device %s: %v", serial, err)
	}
}

// request performs an HTTP request against the test server.
func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return v
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/api/v1/health"} {
		resp := env.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		body := decodeBody[map[string]any](t, resp)
		if body["status"] != "ok" {
			t.Errorf("GET %s status field = %v, want ok", path, body["status"])
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/v1/devices", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/devices", "not-a-real-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionTokenIdentity(t *testing.T) {
	env := newTestEnv(t)
	token := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)

	resp := env.request(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth/me status = %d, want 200", resp.StatusCode)
	}
	user := decodeBody[auth.User](t, resp)
	if user.Email != "alice@example.com" {
		t.Errorf("email = %q, want alice@example.com", user.Email)
	}
	if user.Privilege != auth.PrivilegeUser {
		t.Errorf("privilege = %q, want user", user.Privilege)
	}
}

func TestAPITokenIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "bob@example.com", auth.PrivilegeUser)

	raw, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatalf("generating api token: %v", err)
	}
	at := &auth.AccessToken{UserEmail: "bob@example.com", Title: "ci", TokenHash: auth.HashToken(raw)}
	if err := env.tokens.Create(context.Background(), at); err != nil {
		t.Fatalf("storing token: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/auth/me", raw, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api token auth status = %d, want 200", resp.StatusCode)
	}
	user := decodeBody[auth.User](t, resp)
	if user.Email != "bob@example.com" {
		t.Errorf("email = %q, want bob@example.com", user.Email)
	}
}

func TestDeactivatedAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "eve@example.com", auth.PrivilegeUser)

	raw, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatalf("generating api token: %v", err)
	}
	at := &auth.AccessToken{UserEmail: "eve@example.com", Title: "ci", TokenHash: auth.HashToken(raw)}
	if err := env.tokens.Create(context.Background(), at); err != nil {
		t.Fatalf("storing token: %v", err)
	}
	if err := env.users.SetActive(context.Background(), "eve@example.com", false); err != nil {
		t.Fatalf("deactivating user: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/auth/me", raw, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("deactivated account status = %d, want 403", resp.StatusCode)
	}
}

func TestDeactivatedSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedUser(t, "eve@example.com", auth.PrivilegeUser)

	// The session token stays cryptographically valid for its lifetime;
	// the account record must override it on the very next request.
	if err := env.users.SetActive(context.Background(), "eve@example.com", false); err != nil {
		t.Fatalf("deactivating user: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/auth/me", session, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("deactivated session status = %d, want 403", resp.StatusCode)
	}

	if err := env.users.SetActive(context.Background(), "eve@example.com", true); err != nil {
		t.Fatalf("reactivating user: %v", err)
	}
	resp = env.request(t, http.MethodGet, "/api/v1/auth/me", session, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reactivated session status = %d, want 200", resp.StatusCode)
	}
}

func TestClaimReleaseFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	bob := env.seedUser(t, "bob@example.com", auth.PrivilegeUser)
	env.seedDevice(t, "SER-100", "prov-eu-1")

	// Alice claims the device
	resp := env.request(t, http.MethodPost, "/api/v1/devices/SER-100/claim", alice, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("claim status = %d, want 201", resp.StatusCode)
	}
	g := decodeBody[device.Group](t, resp)
	if g.Kind != device.GroupUser {
		t.Errorf("group kind = %q, want user", g.Kind)
	}
	if g.OwnerEmail != "alice@example.com" {
		t.Errorf("group owner = %q, want alice@example.com", g.OwnerEmail)
	}

	// The device record now shows the claim
	resp = env.request(t, http.MethodGet, "/api/v1/devices/SER-100", alice, nil)
	dev := decodeBody[device.Device](t, resp)
	if dev.OwnerEmail != "alice@example.com" {
		t.Errorf("device owner = %q, want alice@example.com", dev.OwnerEmail)
	}
	if dev.GroupID != g.ID {
		t.Errorf("device group = %q, want %q", dev.GroupID, g.ID)
	}

	// Bob cannot claim a held device
	resp = env.request(t, http.MethodPost, "/api/v1/devices/SER-100/claim", bob, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second claim status = %d, want 409", resp.StatusCode)
	}

	// Bob cannot release Alice's claim
	resp = env.request(t, http.MethodDelete, "/api/v1/devices/SER-100/claim", bob, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign release status = %d, want 403", resp.StatusCode)
	}

	// Alice releases
	resp = env.request(t, http.MethodDelete, "/api/v1/devices/SER-100/claim", alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("release status = %d, want 204", resp.StatusCode)
	}

	// Device is back in its origin group
	resp = env.request(t, http.MethodGet, "/api/v1/devices/SER-100", alice, nil)
	dev = decodeBody[device.Device](t, resp)
	if dev.OwnerEmail != "" {
		t.Errorf("owner after release = %q, want empty", dev.OwnerEmail)
	}
	if dev.GroupID != device.OriginGroupID("SER-100") {
		t.Errorf("group after release = %q, want origin", dev.GroupID)
	}
}

func TestClaimOfflineDevice(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	env.seedDevice(t, "SER-200", "prov-eu-1")
	if _, err := env.coordinator.SetPresence(context.Background(), "SER-200", "", false); err != nil {
		t.Fatalf("taking device offline: %v", err)
	}

	resp := env.request(t, http.MethodPost, "/api/v1/devices/SER-200/claim", alice, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("claim offline status = %d, want 409", resp.StatusCode)
	}
	apiErr := decodeBody[Error](t, resp)
	if apiErr.Code != ErrCodeDeviceOffline {
		t.Errorf("error code = %q, want %q", apiErr.Code, ErrCodeDeviceOffline)
	}
}

func TestClaimUnknownSerial(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)

	resp := env.request(t, http.MethodPost, "/api/v1/devices/NOPE/claim", alice, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("claim unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminForcedRelease(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	admin := env.seedUser(t, "root@example.com", auth.PrivilegeAdmin)
	env.seedDevice(t, "SER-300", "prov-eu-1")

	resp := env.request(t, http.MethodPost, "/api/v1/devices/SER-300/claim", alice, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("claim status = %d, want 201", resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/v1/devices/SER-300/claim", admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("admin release status = %d, want 204", resp.StatusCode)
	}

	// The forced release is visible on the broadcast events
	var released *wire.DeviceEvent
	for _, ev := range env.bus.events {
		if ev.Kind == wire.EventDeviceReleased && ev.Serial == "SER-300" {
			released = ev
		}
	}
	if released == nil {
		t.Fatal("expected a device_released event")
	}
	if !released.Forced {
		t.Error("admin release of a foreign claim should be forced")
	}
}

func TestProviderPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	admin := env.seedUser(t, "root@example.com", auth.PrivilegeAdmin)

	report := presenceReport{Serial: "SER-400", ProviderID: "prov-us-1", Present: true}

	// Non-admin callers cannot report presence
	resp := env.request(t, http.MethodPost, "/api/v1/provider/presence", user, report)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin presence status = %d, want 403", resp.StatusCode)
	}

	// A present report for an unknown serial registers the device
	resp = env.request(t, http.MethodPost, "/api/v1/provider/presence", admin, report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence status = %d, want 200", resp.StatusCode)
	}
	dev := decodeBody[device.Device](t, resp)
	if dev.Presence != device.PresencePresent {
		t.Errorf("presence = %q, want present", dev.Presence)
	}
	if dev.ProviderID != "prov-us-1" {
		t.Errorf("provider = %q, want prov-us-1", dev.ProviderID)
	}

	// Offline report clears the provider
	report = presenceReport{Serial: "SER-400", Present: false}
	resp = env.request(t, http.MethodPost, "/api/v1/provider/presence", admin, report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("absent report status = %d, want 200", resp.StatusCode)
	}
	dev = decodeBody[device.Device](t, resp)
	if dev.Presence != device.PresenceAbsent {
		t.Errorf("presence = %q, want absent", dev.Presence)
	}

	// Absent report for an unknown serial is a 404
	report = presenceReport{Serial: "NEVER-SEEN", Present: false}
	resp = env.request(t, http.MethodPost, "/api/v1/provider/presence", admin, report)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown absent status = %d, want 404", resp.StatusCode)
	}
}

func TestListDevicesFilters(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	env.seedDevice(t, "SER-1", "prov-a")
	env.seedDevice(t, "SER-2", "prov-a")
	env.seedDevice(t, "SER-3", "prov-b")

	resp := env.request(t, http.MethodGet, "/api/v1/devices", alice, nil)
	body := decodeBody[map[string]any](t, resp)
	if int(body["count"].(float64)) != 3 {
		t.Errorf("unfiltered count = %v, want 3", body["count"])
	}

	resp = env.request(t, http.MethodGet, "/api/v1/devices?provider_id=prov-a", alice, nil)
	body = decodeBody[map[string]any](t, resp)
	if int(body["count"].(float64)) != 2 {
		t.Errorf("provider filter count = %v, want 2", body["count"])
	}

	resp = env.request(t, http.MethodGet, "/api/v1/devices?group_id="+device.OriginGroupID("SER-3"), alice, nil)
	body = decodeBody[map[string]any](t, resp)
	if int(body["count"].(float64)) != 1 {
		t.Errorf("group filter count = %v, want 1", body["count"])
	}
}

func TestAccessTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)

	// Mint a token
	resp := env.request(t, http.MethodPost, "/api/v1/auth/tokens", alice, createTokenRequest{Title: "laptop"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create token status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[createTokenResponse](t, resp)
	if created.Token == "" {
		t.Fatal("expected raw token in create response")
	}

	// The raw token authenticates
	resp = env.request(t, http.MethodGet, "/api/v1/auth/me", created.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token auth status = %d, want 200", resp.StatusCode)
	}

	// It shows up in the listing without its hash
	resp = env.request(t, http.MethodGet, "/api/v1/auth/tokens", alice, nil)
	listing := decodeBody[map[string]json.RawMessage](t, resp)
	var tokens []auth.AccessToken
	if err := json.Unmarshal(listing["tokens"], &tokens); err != nil {
		t.Fatalf("decoding token list: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Title != "laptop" {
		t.Fatalf("token list = %+v, want one token titled laptop", tokens)
	}

	// Revoke it
	resp = env.request(t, http.MethodDelete, "/api/v1/auth/tokens/"+created.AccessToken.ID, alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete token status = %d, want 204", resp.StatusCode)
	}

	// The raw token no longer works
	resp = env.request(t, http.MethodGet, "/api/v1/auth/me", created.Token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", resp.StatusCode)
	}
}

func TestTokenRevocationOwnership(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	bob := env.seedUser(t, "bob@example.com", auth.PrivilegeUser)

	resp := env.request(t, http.MethodPost, "/api/v1/auth/tokens", alice, createTokenRequest{Title: "laptop"})
	created := decodeBody[createTokenResponse](t, resp)

	// Bob cannot see or revoke Alice's token
	resp = env.request(t, http.MethodDelete, "/api/v1/auth/tokens/"+created.AccessToken.ID, bob, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign token delete status = %d, want 404", resp.StatusCode)
	}

	// Alice's token still works
	resp = env.request(t, http.MethodGet, "/api/v1/auth/me", created.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("token after failed revocation status = %d, want 200", resp.StatusCode)
	}
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	admin := env.seedUser(t, "root@example.com", auth.PrivilegeAdmin)

	// Non-admins cannot manage accounts
	resp := env.request(t, http.MethodGet, "/api/v1/users", user, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin list users status = %d, want 403", resp.StatusCode)
	}

	// Create a user
	resp = env.request(t, http.MethodPost, "/api/v1/users", admin, createUserRequest{
		Email: "carol@example.com",
		Name:  "Carol",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[auth.User](t, resp)
	if created.Privilege != auth.PrivilegeUser {
		t.Errorf("default privilege = %q, want user", created.Privilege)
	}

	// Duplicate email conflicts
	resp = env.request(t, http.MethodPost, "/api/v1/users", admin, createUserRequest{
		Email: "carol@example.com",
		Name:  "Carol",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate user status = %d, want 409", resp.StatusCode)
	}

	// Invalid email rejected
	resp = env.request(t, http.MethodPost, "/api/v1/users", admin, createUserRequest{
		Email: "not-an-email",
		Name:  "Nobody",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", resp.StatusCode)
	}

	// Deactivate
	inactive := false
	resp = env.request(t, http.MethodPatch, "/api/v1/users/carol@example.com", admin, updateUserRequest{IsActive: &inactive})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[auth.User](t, resp)
	if updated.IsActive {
		t.Error("user should be inactive after PATCH")
	}

	// Listing includes all three accounts
	resp = env.request(t, http.MethodGet, "/api/v1/users", admin, nil)
	body := decodeBody[map[string]json.RawMessage](t, resp)
	var count int
	if err := json.Unmarshal(body["count"], &count); err != nil {
		t.Fatalf("decoding count: %v", err)
	}
	if count != 3 {
		t.Errorf("user count = %d, want 3", count)
	}
}

func TestDeactivationRevokesTokens(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "root@example.com", auth.PrivilegeAdmin)
	env.seedUser(t, "carol@example.com", auth.PrivilegeUser)

	raw, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatalf("generating api token: %v", err)
	}
	at := &auth.AccessToken{UserEmail: "carol@example.com", Title: "ci", TokenHash: auth.HashToken(raw)}
	if err := env.tokens.Create(context.Background(), at); err != nil {
		t.Fatalf("storing token: %v", err)
	}

	inactive := false
	resp := env.request(t, http.MethodPatch, "/api/v1/users/carol@example.com", admin, updateUserRequest{IsActive: &inactive})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200", resp.StatusCode)
	}

	remaining, err := env.tokens.ListByUser(context.Background(), "carol@example.com")
	if err != nil {
		t.Fatalf("listing tokens: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("tokens after deactivation = %d, want 0", len(remaining))
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)
	admin := env.seedUser(t, "root@example.com", auth.PrivilegeAdmin)
	env.seedDevice(t, "SER-500", "prov-eu-1")

	resp := env.request(t, http.MethodPost, "/api/v1/devices/SER-500/claim", alice, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("claim status = %d, want 201", resp.StatusCode)
	}
	resp = env.request(t, http.MethodDelete, "/api/v1/devices/SER-500/claim", alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("release status = %d, want 204", resp.StatusCode)
	}

	// Non-admins cannot read the trail
	resp = env.request(t, http.MethodGet, "/api/v1/audit", alice, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin audit status = %d, want 403", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/audit?serial=SER-500", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[audit.ListResult](t, resp)
	if result.Total != 2 {
		t.Fatalf("audit total = %d, want 2 (claim + release)", result.Total)
	}
	actions := map[string]bool{}
	for _, entry := range result.Entries {
		actions[entry.Action] = true
	}
	for _, want := range []string{"claim", "release"} {
		if !actions[want] {
			t.Errorf("audit trail missing %q action", want)
		}
	}

	resp = env.request(t, http.MethodGet, "/api/v1/audit?limit=-1", admin, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", resp.StatusCode)
	}
}

func TestWSTicketFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@example.com", auth.PrivilegeUser)

	resp := env.request(t, http.MethodPost, "/api/v1/auth/ws-ticket", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	ticket, _ := body["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected a ticket in response")
	}

	// Upgrade without a ticket is rejected
	resp = env.request(t, http.MethodGet, "/api/v1/ws", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("ws without ticket status = %d, want 401", resp.StatusCode)
	}

	// A bogus ticket is rejected
	resp = env.request(t, http.MethodGet, "/api/v1/ws?ticket=bogus", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("ws bogus ticket status = %d, want 401", resp.StatusCode)
	}
}

func TestTicketSingleUse(t *testing.T) {
	store := newTicketStore()
	id := identity{email: "alice@example.com", privilege: auth.PrivilegeUser}

	ticket := store.issue(id)
	entry, ok := store.redeem(ticket)
	if !ok {
		t.Fatal("fresh ticket should redeem")
	}
	if entry.email != "alice@example.com" {
		t.Errorf("ticket email = %q, want alice@example.com", entry.email)
	}

	if _, ok := store.redeem(ticket); ok {
		t.Error("ticket redeemed twice")
	}
}

func TestHubBroadcastEvent(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	hub := NewHub(config.WebSocketConfig{}, logger)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 4),
		subscriptions: map[string]struct{}{ChannelAllEvents: {}},
	}
	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()

	ev := wire.NewDeviceEvent(wire.EventDeviceClaimed, &device.Device{
		Serial:   "SER-1",
		Presence: device.PresencePresent,
		GroupID:  "ug-1",
		Seq:      3,
	})
	hub.BroadcastEvent(ev)

	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding hub message: %v", err)
		}
		if msg.Type != WSTypeEvent {
			t.Errorf("message type = %q, want event", msg.Type)
		}
		if msg.EventType != string(wire.EventDeviceClaimed) {
			t.Errorf("event type = %q, want %q", msg.EventType, wire.EventDeviceClaimed)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")

	cases := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{}},
		{"missing registry", Deps{Logger: logger}},
	}
	for _, tc := range cases {
		if _, err := New(tc.deps); err == nil {
			t.Errorf("%s: New() succeeded, want error", tc.name)
		}
	}
}

// Guard against the hub deadlocking when a slow client's buffer is full.
func TestHubSkipsSlowClients(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	hub := NewHub(config.WebSocketConfig{}, logger)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte), // unbuffered, nothing draining
		subscriptions: map[string]struct{}{ChannelAllEvents: {}},
	}
	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.Broadcast("anything", map[string]string{"x": "1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
