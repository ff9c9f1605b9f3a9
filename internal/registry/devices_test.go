package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetDevice(t *testing.T) {
	db := openTestDB(t)

	row := &DeviceRow{
		ID:          "dev-1",
		ProjectID:   "proj-1",
		Name:        "r1",
		Backend:     "dynamips",
		Status:      "stopped",
		Console:     5001,
		ConsoleType: "telnet",
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	if err := db.SaveDevice(row); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want %q", got.ProjectID, "proj-1")
	}
	if got.Name != "r1" {
		t.Errorf("Name = %q, want %q", got.Name, "r1")
	}
	if got.Backend != "dynamips" {
		t.Errorf("Backend = %q, want %q", got.Backend, "dynamips")
	}
	if got.Console != 5001 {
		t.Errorf("Console = %d, want 5001", got.Console)
	}
	if got.ConsoleType != "telnet" {
		t.Errorf("ConsoleType = %q, want %q", got.ConsoleType, "telnet")
	}
}

func TestSaveDevice_Upsert(t *testing.T) {
	db := openTestDB(t)

	row := &DeviceRow{ID: "dev-1", ProjectID: "proj-1", Name: "r1", Backend: "qemu", Status: "stopped"}
	if err := db.SaveDevice(row); err != nil {
		t.Fatal(err)
	}
	row.Status = "started"
	row.Console = 5900
	row.ConsoleType = "vnc"
	if err := db.SaveDevice(row); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "started" {
		t.Errorf("Status = %q, want %q", got.Status, "started")
	}
	if got.ConsoleType != "vnc" {
		t.Errorf("ConsoleType = %q, want %q", got.ConsoleType, "vnc")
	}

	all, err := db.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListDevices returned %d rows, want 1", len(all))
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetDevice("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListProjectDevices(t *testing.T) {
	db := openTestDB(t)

	for _, row := range []*DeviceRow{
		{ID: "dev-1", ProjectID: "proj-1", Name: "r1", Backend: "dynamips", Status: "stopped"},
		{ID: "dev-2", ProjectID: "proj-1", Name: "r2", Backend: "qemu", Status: "stopped"},
		{ID: "dev-3", ProjectID: "proj-2", Name: "sw1", Backend: "iou", Status: "stopped"},
	} {
		if err := db.SaveDevice(row); err != nil {
			t.Fatal(err)
		}
	}

	devices, err := db.ListProjectDevices("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	for _, row := range devices {
		if row.ProjectID != "proj-1" {
			t.Errorf("device %s belongs to %q", row.ID, row.ProjectID)
		}
	}
}

func TestUpdateDeviceStatus(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveDevice(&DeviceRow{ID: "dev-1", ProjectID: "proj-1", Name: "r1", Backend: "vpcs", Status: "stopped"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateDeviceStatus("dev-1", "started"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "started" {
		t.Errorf("Status = %q, want %q", got.Status, "started")
	}

	if err := db.UpdateDeviceStatus("nope", "started"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveDevice(&DeviceRow{ID: "dev-1", ProjectID: "proj-1", Name: "r1", Backend: "vpcs", Status: "stopped"}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteDevice("dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetDevice("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	// Deleting twice is fine.
	if err := db.DeleteDevice("dev-1"); err != nil {
		t.Fatal(err)
	}
}

func TestReservations(t *testing.T) {
	db := openTestDB(t)

	for _, r := range []*Reservation{
		{Port: 5001, Protocol: "tcp", ProjectID: "proj-1"},
		{Port: 10004, Protocol: "udp", ProjectID: "proj-1"},
		{Port: 5002, Protocol: "tcp", ProjectID: "proj-2"},
	} {
		if err := db.SaveReservation(r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListReservations()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d reservations, want 3", len(all))
	}
	if all[0].Port != 5001 || all[0].Protocol != "tcp" {
		t.Errorf("first reservation = %d/%s, want 5001/tcp", all[0].Port, all[0].Protocol)
	}

	// Same port, different protocol, is a distinct reservation.
	if err := db.SaveReservation(&Reservation{Port: 5001, Protocol: "udp", ProjectID: "proj-2"}); err != nil {
		t.Fatal(err)
	}
	all, _ = db.ListReservations()
	if len(all) != 4 {
		t.Errorf("got %d reservations, want 4", len(all))
	}

	if err := db.DeleteReservation(5001, "tcp"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteProjectReservations("proj-1"); err != nil {
		t.Fatal(err)
	}
	all, _ = db.ListReservations()
	if len(all) != 2 {
		t.Errorf("got %d reservations after cleanup, want 2", len(all))
	}
}

func TestMirror(t *testing.T) {
	db := openTestDB(t)
	m := &Mirror{DB: db}

	m.RecordReservation(10010, "udp", "proj-1")
	m.RecordReservation(10010, "udp", "proj-2") // ownership moves on re-record

	all, err := db.ListReservations()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d reservations, want 1", len(all))
	}
	if all[0].ProjectID != "proj-2" {
		t.Errorf("owner = %q, want %q", all[0].ProjectID, "proj-2")
	}

	m.ForgetReservation(10010, "udp")
	all, _ = db.ListReservations()
	if len(all) != 0 {
		t.Errorf("got %d reservations after forget, want 0", len(all))
	}
}
