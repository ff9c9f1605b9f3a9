package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DeviceRow is the persisted view of a device.
type DeviceRow struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Backend     string    `json:"backend"`
	Status      string    `json:"status"`
	Console     int       `json:"console"`
	ConsoleType string    `json:"console_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveDevice inserts or replaces a device row.
func (d *DB) SaveDevice(row *DeviceRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO devices (id, project_id, name, backend, status, console, console_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			backend = excluded.backend,
			status = excluded.status,
			console = excluded.console,
			console_type = excluded.console_type,
			updated_at = excluded.updated_at
	`, row.ID, row.ProjectID, row.Name, row.Backend, row.Status,
		row.Console, row.ConsoleType,
		createdAt.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	return err
}

// GetDevice retrieves a device row by ID.
func (d *DB) GetDevice(id string) (*DeviceRow, error) {
	row := d.db.QueryRow(`
		SELECT id, project_id, name, backend, status, console, console_type, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)
	return scanDevice(row)
}

// ListDevices returns all device rows, newest first.
func (d *DB) ListDevices() ([]*DeviceRow, error) {
	return d.queryDevices(`
		SELECT id, project_id, name, backend, status, console, console_type, created_at, updated_at
		FROM devices ORDER BY created_at DESC
	`)
}

// ListProjectDevices returns the device rows of one project.
func (d *DB) ListProjectDevices(projectID string) ([]*DeviceRow, error) {
	return d.queryDevices(`
		SELECT id, project_id, name, backend, status, console, console_type, created_at, updated_at
		FROM devices WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
}

func (d *DB) queryDevices(query string, args ...interface{}) ([]*DeviceRow, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*DeviceRow
	for rows.Next() {
		row, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, row)
	}
	return devices, rows.Err()
}

// UpdateDeviceStatus updates a device's lifecycle state.
func (d *DB) UpdateDeviceStatus(id, status string) error {
	res, err := d.db.Exec(`
		UPDATE devices SET status = ?, updated_at = datetime('now') WHERE id = ?
	`, status, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDevice removes a device row.
func (d *DB) DeleteDevice(id string) error {
	_, err := d.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(s scanner) (*DeviceRow, error) {
	var row DeviceRow
	var createdAt, updatedAt string
	err := s.Scan(&row.ID, &row.ProjectID, &row.Name, &row.Backend,
		&row.Status, &row.Console, &row.ConsoleType, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &row, nil
}
