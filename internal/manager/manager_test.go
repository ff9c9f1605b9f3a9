package manager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/virtlab/virtlabd/internal/images"
	"github.com/virtlab/virtlabd/internal/ports"
	"github.com/virtlab/virtlabd/internal/project"
)

func newTestManager(t *testing.T) (*Manager, *project.Project) {
	t.Helper()
	proj, err := project.New("proj-1", "lab", filepath.Join(t.TempDir(), "proj"), true)
	if err != nil {
		t.Fatal(err)
	}
	alloc := ports.NewAllocator(
		ports.Range{Start: 49000, End: 50000},
		ports.Range{Start: 50000, End: 51000},
		"127.0.0.1", "127.0.0.1",
	)
	store := images.NewStore(filepath.Join(t.TempDir(), "images", "dynamips"), true)
	return New("dynamips", nil, alloc, store), proj
}

func TestCreateDevice(t *testing.T) {
	m, proj := newTestManager(t)

	d, err := m.CreateDevice(context.Background(), proj, "r1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(d.ID()); err != nil {
		t.Errorf("device id %q is not a UUID", d.ID())
	}
	if d.Backend() != "dynamips" {
		t.Errorf("backend = %q, want %q", d.Backend(), "dynamips")
	}
	if !proj.HasDevice(d.ID()) {
		t.Error("device not added to project")
	}
	if got, err := m.GetDevice(d.ID(), ""); err != nil || got != d {
		t.Errorf("GetDevice = (%v, %v), want the created device", got, err)
	}
}

func TestCreateDevice_Idempotent(t *testing.T) {
	m, proj := newTestManager(t)
	ctx := context.Background()

	id := uuid.NewString()
	first, err := m.CreateDevice(ctx, proj, "r1", id)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.CreateDevice(ctx, proj, "r1", id)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second create returned a different instance")
	}
	if len(m.Devices()) != 1 {
		t.Errorf("registry holds %d devices, want 1", len(m.Devices()))
	}
}

func TestCreateDevice_InvalidID(t *testing.T) {
	m, proj := newTestManager(t)
	_, err := m.CreateDevice(context.Background(), proj, "r1", "not-a-uuid")
	if !errors.Is(err, ErrInvalidDeviceID) {
		t.Fatalf("err = %v, want ErrInvalidDeviceID", err)
	}
}

func TestCreateDevice_LegacyMigration(t *testing.T) {
	m, proj := newTestManager(t)

	legacyDir := filepath.Join(proj.Path(), "dynamips-files", "5")
	if err := os.MkdirAll(legacyDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacyDir, "config.txt"), []byte("hostname r1"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := m.CreateDevice(context.Background(), proj, "r1", "5")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(d.ID()); err != nil {
		t.Errorf("migrated device id %q is not a UUID", d.ID())
	}

	migrated := filepath.Join(proj.Path(), "project-files", "dynamips", d.ID(), "config.txt")
	if _, err := os.Stat(migrated); err != nil {
		t.Errorf("migrated config not at %s: %v", migrated, err)
	}
	if _, err := os.Stat(filepath.Join(proj.Path(), "dynamips-files")); !os.IsNotExist(err) {
		t.Error("legacy files directory still present")
	}
}

func TestGetDevice_Errors(t *testing.T) {
	m, proj := newTestManager(t)
	ctx := context.Background()

	d, err := m.CreateDevice(ctx, proj, "r1", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetDevice("bogus", ""); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("err = %v, want ErrInvalidDeviceID", err)
	}
	if _, err := m.GetDevice(uuid.NewString(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.GetDevice(d.ID(), "other-project"); !errors.Is(err, ErrProjectMismatch) {
		t.Errorf("err = %v, want ErrProjectMismatch", err)
	}
	if _, err := m.GetDevice(d.ID(), proj.ID()); err != nil {
		t.Errorf("scoped lookup failed: %v", err)
	}
}

func TestCloseDevice_KeepsRegistration(t *testing.T) {
	m, proj := newTestManager(t)
	ctx := context.Background()

	d, err := m.CreateDevice(ctx, proj, "r1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CloseDevice(ctx, d.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetDevice(d.ID(), ""); err != nil {
		t.Errorf("closed device gone from registry: %v", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	m, proj := newTestManager(t)
	ctx := context.Background()

	d, err := m.CreateDevice(ctx, proj, "r1", "")
	if err != nil {
		t.Fatal(err)
	}
	workDir, err := d.WorkingDirectory()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.DeleteDevice(ctx, d.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetDevice(d.ID(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	if proj.HasDevice(d.ID()) {
		t.Error("device still in project set")
	}

	// The working directory survives until the project commits.
	if _, err := os.Stat(workDir); err != nil {
		t.Fatalf("working dir removed before commit: %v", err)
	}
	proj.Commit()
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Error("working dir still present after commit")
	}
}

func TestUnloadAll(t *testing.T) {
	m, proj := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"r1", "r2", "r3"} {
		if _, err := m.CreateDevice(ctx, proj, name, ""); err != nil {
			t.Fatal(err)
		}
	}

	m.UnloadAll(ctx)
	if n := len(m.Devices()); n != 0 {
		t.Errorf("registry holds %d devices after unload, want 0", n)
	}
}

func TestImageDelegation(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.WriteImage("c7200.image", bytes.NewReader([]byte("ios"))); err != nil {
		t.Fatal(err)
	}
	list, err := m.ListImages()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != "c7200.image" {
		t.Errorf("ListImages = %v, want [c7200.image]", list)
	}
	resolved, err := m.ResolveImagePath("c7200.image")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.RelativeImagePath(resolved); got != "c7200.image" {
		t.Errorf("round trip = %q, want %q", got, "c7200.image")
	}
	if _, err := m.ImageChecksum("c7200.image"); err != nil {
		t.Fatal(err)
	}
}
