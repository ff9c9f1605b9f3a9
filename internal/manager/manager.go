// Package manager implements the per-backend device pool: the
// identifier registry, idempotent creation with legacy-topology
// migration, lookup with project scoping, teardown, and image-store
// delegation. One Manager exists per backend type for the life of the
// process.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/virtlab/virtlabd/internal/device"
	"github.com/virtlab/virtlabd/internal/images"
	"github.com/virtlab/virtlabd/internal/ports"
	"github.com/virtlab/virtlabd/internal/project"
)

var (
	// ErrInvalidDeviceID is returned for ids that are not well-formed UUIDs.
	ErrInvalidDeviceID = errors.New("device id is not a valid UUID")
	// ErrNotFound is returned for ids absent from the registry.
	ErrNotFound = errors.New("device not found")
	// ErrProjectMismatch is returned when a device exists but belongs to a
	// different project than the caller asserted.
	ErrProjectMismatch = errors.New("device belongs to a different project")
)

// migrationMu serializes legacy filesystem migrations across every
// backend manager in the process. Two concurrent creations must never
// race on the same legacy directory rename.
var migrationMu sync.Mutex

// MigrationError reports a filesystem failure while migrating a legacy
// topology. The on-disk state may be partially migrated.
type MigrationError struct {
	LegacyID int
	DeviceID string
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate legacy device %d to %s: %v", e.LegacyID, e.DeviceID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Factory constructs a backend-specific device instance. Backends
// layer their own configuration on top of the base device options.
type Factory func(id, name string, proj *project.Project, alloc *ports.Allocator, opts ...device.Option) (*device.Device, error)

// Manager is the device pool for one backend type.
type Manager struct {
	mu sync.Mutex

	backend   string
	factory   Factory
	allocator *ports.Allocator
	images    *images.Store

	devices map[string]*device.Device
}

// New creates a manager for the given backend. A nil factory gets the
// base device constructor.
func New(backend string, factory Factory, alloc *ports.Allocator, store *images.Store) *Manager {
	if factory == nil {
		factory = func(id, name string, proj *project.Project, alloc *ports.Allocator, opts ...device.Option) (*device.Device, error) {
			return device.New(id, name, backend, proj, alloc, opts...)
		}
	}
	return &Manager{
		backend:   backend,
		factory:   factory,
		allocator: alloc,
		images:    store,
		devices:   make(map[string]*device.Device),
	}
}

// Backend returns the backend type this manager owns.
func (m *Manager) Backend() string { return m.backend }

// CreateDevice creates a device, or returns the existing one when the
// id is already registered. A legacy integer id triggers a one-time
// filesystem migration and is replaced by a fresh UUID.
func (m *Manager) CreateDevice(ctx context.Context, proj *project.Project, name, id string, opts ...device.Option) (*device.Device, error) {
	if id != "" {
		m.mu.Lock()
		existing, ok := m.devices[id]
		m.mu.Unlock()
		if ok {
			return existing, nil
		}
	}

	switch {
	case id == "":
		id = uuid.NewString()
	default:
		if legacyID, err := strconv.Atoi(id); err == nil {
			newID := uuid.NewString()
			if err := m.migrateLegacyDevice(proj, legacyID, newID); err != nil {
				return nil, err
			}
			log.Infof("manager %s: migrated legacy device %d to %s", m.backend, legacyID, newID)
			id = newID
		} else if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%q: %w", id, ErrInvalidDeviceID)
		}
	}

	d, err := m.factory(id, name, proj, m.allocator, opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s device %s: %w", m.backend, name, err)
	}
	if err := d.Create(ctx); err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("create %s device %s: %w", m.backend, name, err)
	}

	m.mu.Lock()
	if existing, ok := m.devices[id]; ok {
		m.mu.Unlock()
		d.Close(ctx)
		return existing, nil
	}
	m.devices[id] = d
	m.mu.Unlock()

	proj.AddDevice(d)
	log.Infof("manager %s: created device %s (%s)", m.backend, name, id)
	return d, nil
}

// migrateLegacyDevice moves a pre-UUID topology into the modern layout:
// the backend files directory into project-files, per-backend data kept
// at the project root for remote projects, and the integer-named device
// directory renamed to the new UUID.
func (m *Manager) migrateLegacyDevice(proj *project.Project, legacyID int, newID string) error {
	migrationMu.Lock()
	defer migrationMu.Unlock()

	modernRoot := filepath.Join(proj.Path(), "project-files", m.backend)

	// "<project>/<backend>-files" was the whole tree in old releases.
	legacyRoot := filepath.Join(proj.Path(), m.backend+"-files")
	if _, err := os.Stat(legacyRoot); err == nil {
		if err := os.MkdirAll(filepath.Dir(modernRoot), 0o700); err != nil {
			return &MigrationError{LegacyID: legacyID, DeviceID: newID, Err: err}
		}
		if _, err := os.Stat(modernRoot); os.IsNotExist(err) {
			if err := os.Rename(legacyRoot, modernRoot); err != nil {
				return &MigrationError{LegacyID: legacyID, DeviceID: newID, Err: err}
			}
		}
	}

	// Remote projects dropped per-backend data directly under the root.
	legacyData := filepath.Join(proj.Path(), m.backend)
	if _, err := os.Stat(legacyData); err == nil {
		if err := os.MkdirAll(modernRoot, 0o700); err != nil {
			return &MigrationError{LegacyID: legacyID, DeviceID: newID, Err: err}
		}
		dest := filepath.Join(modernRoot, filepath.Base(legacyData))
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			if err := os.Rename(legacyData, dest); err != nil {
				return &MigrationError{LegacyID: legacyID, DeviceID: newID, Err: err}
			}
		}
	}

	// The device directory itself was named by the integer id.
	oldDir := filepath.Join(modernRoot, strconv.Itoa(legacyID))
	if _, err := os.Stat(oldDir); err == nil {
		if err := os.Rename(oldDir, filepath.Join(modernRoot, newID)); err != nil {
			return &MigrationError{LegacyID: legacyID, DeviceID: newID, Err: err}
		}
	}

	return nil
}

// GetDevice looks up a device by id. With a non-empty projectID, a
// device owned by another project is reported as a mismatch; the API
// boundary surfaces that as not-found so cross-project probing learns
// nothing.
func (m *Manager) GetDevice(id, projectID string) (*device.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%q: %w", id, ErrInvalidDeviceID)
	}

	m.mu.Lock()
	d, ok := m.devices[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if projectID != "" && d.Project().ID() != projectID {
		return nil, fmt.Errorf("%s: %w", id, ErrProjectMismatch)
	}
	return d, nil
}

// CloseDevice closes a device but keeps it registered, so it can be
// reopened or deleted later.
func (m *Manager) CloseDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := m.GetDevice(id, "")
	if err != nil {
		return nil, err
	}
	if err := d.Close(ctx); err != nil {
		return nil, fmt.Errorf("close device %s: %w", id, err)
	}
	return d, nil
}

// DeleteDevice closes a device, queues its working directory for
// destruction on the next project commit, and deregisters it.
func (m *Manager) DeleteDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := m.CloseDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	proj := d.Project()
	if dir, err := d.WorkingDirectory(); err == nil {
		if err := proj.MarkForDestruction(dir); err != nil {
			log.Warnf("manager %s: mark %s for destruction: %v", m.backend, dir, err)
		}
	}
	proj.RemoveDevice(d)

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()

	log.Infof("manager %s: deleted device %s", m.backend, id)
	return d, nil
}

// UnloadAll closes every registered device concurrently and clears the
// registry. Individual failures are logged and never abort siblings.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.devices = make(map[string]*device.Device)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *device.Device) {
			defer wg.Done()
			if err := d.Close(ctx); err != nil {
				log.Errorf("manager %s: unload device %s: %v", m.backend, d.ID(), err)
			}
		}(d)
	}
	wg.Wait()
}

// Devices returns a snapshot of the registered devices.
func (m *Manager) Devices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	return devices
}
