package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device and group persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetBySerial retrieves a device by serial.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetBySerial(ctx context.Context, serial string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByGroup retrieves all devices currently in a group.
	ListByGroup(ctx context.Context, groupID string) ([]Device, error)

	// ListByProvider retrieves all devices served by a provider process.
	ListByProvider(ctx context.Context, providerID string) ([]Device, error)

	// Insert creates a new device record (first registration).
	// Returns ErrDeviceExists if the serial already exists.
	Insert(ctx context.Context, d *Device) error

	// Apply writes a patch with compare-and-swap on seq: the update only
	// lands if the stored seq still equals expectedSeq, and it writes
	// newSeq. Returns ErrStaleSeq if another writer got there first.
	Apply(ctx context.Context, serial string, expectedSeq, newSeq int64, patch Patch) (*Device, error)

	// GetGroup retrieves a group by ID.
	// Returns ErrGroupNotFound if the group does not exist.
	GetGroup(ctx context.Context, id string) (*Group, error)

	// ListGroups retrieves all groups.
	ListGroups(ctx context.Context) ([]Group, error)

	// InsertGroup creates a group record.
	// Returns ErrGroupExists if the ID already exists.
	InsertGroup(ctx context.Context, g *Group) error

	// DeleteGroup removes a group record.
	// Returns ErrGroupNotFound if the group does not exist.
	DeleteGroup(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `serial, presence, group_id, owner_email, provider_id, seq, registered_at, updated_at`

// GetBySerial retrieves a device by serial.
func (r *SQLiteRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial = ?`, serial)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by serial: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY serial`)
}

// ListByGroup retrieves all devices currently in a group.
func (r *SQLiteRepository) ListByGroup(ctx context.Context, groupID string) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE group_id = ? ORDER BY serial`, groupID)
}

// ListByProvider retrieves all devices served by a provider process.
func (r *SQLiteRepository) ListByProvider(ctx context.Context, providerID string) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE provider_id = ? ORDER BY serial`, providerID)
}

// Insert creates a new device record.
func (r *SQLiteRepository) Insert(ctx context.Context, d *Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (serial, presence, group_id, owner_email, provider_id, seq, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Serial, string(d.Presence), d.GroupID,
		nullString(d.OwnerEmail), nullString(d.ProviderID), d.Seq,
		d.RegisteredAt.UTC().Format(time.RFC3339), d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Apply writes a patch with compare-and-swap on seq.
//
// The WHERE clause carries both the serial and the expected seq, so a
// concurrent writer that already advanced the counter makes this a no-op;
// the zero-rows case is then disambiguated into ErrStaleSeq or
// ErrDeviceNotFound with a follow-up read.
func (r *SQLiteRepository) Apply(ctx context.Context, serial string, expectedSeq, newSeq int64, patch Patch) (*Device, error) {
	set := "seq = ?, updated_at = ?"
	args := []any{newSeq, time.Now().UTC().Format(time.RFC3339)}

	if patch.Presence != nil {
		set += ", presence = ?"
		args = append(args, string(*patch.Presence))
	}
	if patch.GroupID != nil {
		set += ", group_id = ?"
		args = append(args, *patch.GroupID)
	}
	if patch.OwnerEmail != nil {
		set += ", owner_email = ?"
		args = append(args, nullString(*patch.OwnerEmail))
	}
	if patch.ProviderID != nil {
		set += ", provider_id = ?"
		args = append(args, nullString(*patch.ProviderID))
	}

	args = append(args, serial, expectedSeq)
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET `+set+` WHERE serial = ? AND seq = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("applying device patch: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking patch result: %w", err)
	}
	if rows == 0 {
		// Either the device is gone or someone else advanced seq.
		if _, getErr := r.GetBySerial(ctx, serial); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStaleSeq
	}

	return r.GetBySerial(ctx, serial)
}

// GetGroup retrieves a group by ID.
func (r *SQLiteRepository) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	var kind string
	var owner sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, owner_email, created_at FROM device_groups WHERE id = ?`, id,
	).Scan(&g.ID, &kind, &owner, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("querying group: %w", err)
	}

	g.Kind = GroupKind(kind)
	g.OwnerEmail = owner.String
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	return &g, nil
}

// ListGroups retrieves all groups.
func (r *SQLiteRepository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, owner_email, created_at FROM device_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var kind string
		var owner sql.NullString
		var createdAt string
		if err := rows.Scan(&g.ID, &kind, &owner, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		g.Kind = GroupKind(kind)
		g.OwnerEmail = owner.String
		g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return groups, nil
}

// InsertGroup creates a group record.
func (r *SQLiteRepository) InsertGroup(ctx context.Context, g *Group) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_groups (id, kind, owner_email, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, string(g.Kind), nullString(g.OwnerEmail),
		g.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group record.
func (r *SQLiteRepository) DeleteGroup(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// queryDevices runs a device SELECT and scans the rows.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// scanner abstracts sql.Row and sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...any) error
}

// scanDevice scans one device row.
func scanDevice(s scanner) (*Device, error) {
	var d Device
	var presence string
	var owner, provider sql.NullString
	var registeredAt, updatedAt string

	if err := s.Scan(&d.Serial, &presence, &d.GroupID, &owner, &provider,
		&d.Seq, &registeredAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Presence = Presence(presence)
	d.OwnerEmail = owner.String
	d.ProviderID = provider.String
	d.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt) //nolint:errcheck // Format is controlled
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)       //nolint:errcheck // Format is controlled
	return &d, nil
}

// nullString converts an empty string to NULL for storage.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
