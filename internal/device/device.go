// Package device implements the base emulated device instance shared by
// every backend: identity, console port lifetime, status machine,
// working and temporary directories, and the adapter/NIO wiring.
//
// Status transitions:
//
//	stopped → started → stopped
//	started ⇄ suspended (backends that support it)
//
// Every transition emits a project event with the device attached.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/virtlab/virtlabd/internal/adapter"
	"github.com/virtlab/virtlabd/internal/nio"
	"github.com/virtlab/virtlabd/internal/ports"
	"github.com/virtlab/virtlabd/internal/project"
)

// Status is the device lifecycle state.
type Status string

// Device states.
const (
	StatusStopped   Status = "stopped"
	StatusStarted   Status = "started"
	StatusSuspended Status = "suspended"
)

// Console types.
const (
	ConsoleTelnet = "telnet"
	ConsoleVNC    = "vnc"
)

// ErrInvalidConsolePort is returned when a VNC console is pointed at a
// port below the VNC range.
var ErrInvalidConsolePort = errors.New("console port must be >= 5900 for VNC consoles")

// AdapterOutOfRangeError reports an adapter index the device does not have.
type AdapterOutOfRangeError struct {
	Adapter  int
	Adapters int
}

func (e *AdapterOutOfRangeError) Error() string {
	return fmt.Sprintf("adapter %d does not exist on device with %d adapters", e.Adapter, e.Adapters)
}

// Device is one emulated device instance.
type Device struct {
	mu sync.Mutex

	id      string
	name    string
	backend string

	project   *project.Project
	allocator *ports.Allocator

	console     int
	consoleType string
	status      Status
	adapters    []*adapter.Adapter

	workingDir string
	tempDir    string
	closed     bool

	bridgeBin  string
	bridge     *Bridge
	bridgePort int

	createdAt time.Time
}

// Option configures a device at creation time.
type Option func(*options)

type options struct {
	console      int
	consoleType  string
	adapterCount int
	portsPer     int
	bridgeBin    string
}

// WithConsole requests a specific console port instead of a free one.
func WithConsole(port int) Option {
	return func(o *options) { o.console = port }
}

// WithConsoleType sets the console type ("telnet" or "vnc").
func WithConsoleType(t string) Option {
	return func(o *options) {
		if t != "" {
			o.consoleType = t
		}
	}
}

// WithAdapters sets the adapter layout: count adapters of portsPer ports.
func WithAdapters(count, portsPer int) Option {
	return func(o *options) {
		o.adapterCount = count
		o.portsPer = portsPer
	}
}

// WithBridgeBin sets the packet bridge binary used by StartPacketBridge.
// Empty means search PATH.
func WithBridgeBin(bin string) Option {
	return func(o *options) { o.bridgeBin = bin }
}

// New creates a device and acquires its console port. A requested port
// goes through the defensive reservation path (and may be substituted);
// otherwise a free port is allocated from the range matching the console
// type.
func New(id, name, backend string, proj *project.Project, alloc *ports.Allocator, opts ...Option) (*Device, error) {
	o := options{consoleType: ConsoleTelnet, adapterCount: 1, portsPer: 1}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		id:          id,
		name:        name,
		backend:     backend,
		project:     proj,
		allocator:   alloc,
		consoleType: o.consoleType,
		status:      StatusStopped,
		bridgeBin:   o.bridgeBin,
		createdAt:   time.Now(),
	}

	var err error
	if o.console > 0 {
		d.console, err = alloc.ReserveTCPPort(o.console, proj, consoleRange(alloc, o.consoleType))
	} else {
		d.console, err = alloc.GetFreeTCPPort(proj, consoleRange(alloc, o.consoleType))
	}
	if err != nil {
		return nil, fmt.Errorf("acquire console port for %s: %w", name, err)
	}

	for i := 0; i < o.adapterCount; i++ {
		d.adapters = append(d.adapters, adapter.New(o.portsPer))
	}

	return d, nil
}

// consoleRange returns the allocation range matching a console type.
func consoleRange(alloc *ports.Allocator, consoleType string) ports.Range {
	if consoleType == ConsoleVNC {
		return ports.VNCRange
	}
	return alloc.ConsoleRange()
}

// ID returns the device UUID.
func (d *Device) ID() string { return d.id }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Backend returns the backend type that owns the device.
func (d *Device) Backend() string { return d.backend }

// Project returns the owning project.
func (d *Device) Project() *project.Project { return d.project }

// CreatedAt returns the creation timestamp.
func (d *Device) CreatedAt() time.Time { return d.createdAt }

// Console returns the current console port.
func (d *Device) Console() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.console
}

// ConsoleType returns the current console type.
func (d *Device) ConsoleType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consoleType
}

// Status returns the lifecycle state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// AdapterCount returns the number of adapters.
func (d *Device) AdapterCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.adapters)
}

// Create is the creation hook: it materializes the working directory and
// announces the device. Backends layer their own setup on top.
func (d *Device) Create(ctx context.Context) error {
	if _, err := d.WorkingDirectory(); err != nil {
		return err
	}
	d.project.Emit("device.created", d)
	return nil
}

// Start moves the device to started.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	d.status = StatusStarted
	d.mu.Unlock()
	log.Infof("device %s (%s) started", d.name, d.id)
	d.project.Emit("device.started", d)
	return nil
}

// Stop moves the device to stopped.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.status = StatusStopped
	d.mu.Unlock()
	log.Infof("device %s (%s) stopped", d.name, d.id)
	d.project.Emit("device.stopped", d)
	return nil
}

// Suspend moves a started device to suspended.
func (d *Device) Suspend(ctx context.Context) error {
	d.mu.Lock()
	if d.status != StatusStarted {
		status := d.status
		d.mu.Unlock()
		return fmt.Errorf("cannot suspend device %s in state %s", d.name, status)
	}
	d.status = StatusSuspended
	d.mu.Unlock()
	d.project.Emit("device.suspended", d)
	return nil
}

// Resume moves a suspended device back to started.
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	if d.status != StatusSuspended {
		status := d.status
		d.mu.Unlock()
		return fmt.Errorf("cannot resume device %s in state %s", d.name, status)
	}
	d.status = StatusStarted
	d.mu.Unlock()
	d.project.Emit("device.resumed", d)
	return nil
}

// SetConsoleType switches the console type, reallocating the console
// port into the range matching the new type. No-op when unchanged. On
// a failed reallocation the device is left without a console port.
func (d *Device) SetConsoleType(consoleType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if consoleType == d.consoleType {
		return nil
	}

	d.allocator.ReleaseTCPPort(d.console, d.project)
	port, err := d.allocator.GetFreeTCPPort(d.project, consoleRange(d.allocator, consoleType))
	if err != nil {
		// The old port is already released and may be taken by now.
		d.console = 0
		return fmt.Errorf("reallocate console for type %s: %w", consoleType, err)
	}
	d.console = port
	d.consoleType = consoleType
	return nil
}

// SetConsole moves the console to a specific port, releasing the old
// one. A VNC console refuses ports below the VNC range. On a failed
// reservation the device is left without a console port.
func (d *Device) SetConsole(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if port == d.console {
		return nil
	}
	if d.consoleType == ConsoleVNC && port < ports.VNCRange.Start {
		return ErrInvalidConsolePort
	}

	d.allocator.ReleaseTCPPort(d.console, d.project)
	newPort, err := d.allocator.ReserveTCPPort(port, d.project, consoleRange(d.allocator, d.consoleType))
	if err != nil {
		d.console = 0
		return fmt.Errorf("reserve console port %d: %w", port, err)
	}
	d.console = newPort
	return nil
}

// WorkingDirectory returns the per-device working directory inside the
// project tree, creating it on first use.
func (d *Device) WorkingDirectory() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.workingDir != "" {
		return d.workingDir, nil
	}
	dir, err := d.project.DeviceWorkingDirectory(d)
	if err != nil {
		return "", err
	}
	d.workingDir = dir
	return dir, nil
}

// TemporaryDirectory returns a lazily created OS temp directory removed
// when the device closes.
func (d *Device) TemporaryDirectory() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tempDir != "" {
		return d.tempDir, nil
	}
	dir, err := os.MkdirTemp("", "virtlab-")
	if err != nil {
		return "", fmt.Errorf("create temporary directory: %w", err)
	}
	d.tempDir = dir
	return dir, nil
}

// Adapter returns the adapter at the given index.
func (d *Device) Adapter(n int) (*adapter.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.adapters) {
		return nil, &AdapterOutOfRangeError{Adapter: n, Adapters: len(d.adapters)}
	}
	return d.adapters[n], nil
}

// AddNIO binds a NIO to a port on one of the device's adapters.
func (d *Device) AddNIO(adapterNum, portNum int, n nio.NIO) error {
	a, err := d.Adapter(adapterNum)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return a.AddNIO(portNum, n)
}

// RemoveNIO unbinds the NIO at the given adapter port and releases any
// UDP tunnel port the link owned.
func (d *Device) RemoveNIO(adapterNum, portNum int) (nio.NIO, error) {
	a, err := d.Adapter(adapterNum)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	n, err := a.RemoveNIO(portNum)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if udp, ok := n.(*nio.UDP); ok {
		d.allocator.ReleaseUDPPort(udp.LocalPort, d.project)
	}
	return n, nil
}

// NIO returns the NIO bound at the given adapter port, or nil.
func (d *Device) NIO(adapterNum, portNum int) (nio.NIO, error) {
	a, err := d.Adapter(adapterNum)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return a.NIO(portNum)
}

// StartPacketBridge launches the device's packet bridge companion in
// the working directory, on a console-range port reserved through the
// allocator. The bridge is stopped and its port released on Close.
func (d *Device) StartPacketBridge() error {
	d.mu.Lock()
	if d.bridge != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	workDir, err := d.WorkingDirectory()
	if err != nil {
		return err
	}
	port, err := d.allocator.GetFreeTCPPort(d.project)
	if err != nil {
		return fmt.Errorf("allocate packet bridge port for %s: %w", d.name, err)
	}

	b, err := StartBridge(d.bridgeBin, workDir, port)
	if err != nil {
		d.allocator.ReleaseTCPPort(port, d.project)
		return err
	}

	d.mu.Lock()
	d.bridge = b
	d.bridgePort = port
	d.mu.Unlock()
	return nil
}

// PacketBridge returns the running bridge, or nil.
func (d *Device) PacketBridge() *Bridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bridge
}

// CheckAvailableMemory compares the requested megabytes against what the
// host has available and emits a non-fatal warning event on shortfall.
// The operation itself is never blocked.
func (d *Device) CheckAvailableMemory(requestedMB int) {
	available := AvailableMemoryMB()
	if available == 0 {
		return // unknown on this platform
	}
	if requestedMB > available {
		msg := fmt.Sprintf("only %dMB of memory available on host, %dMB requested for %s", available, requestedMB, d.name)
		log.Warn(msg)
		d.project.Emit("device.warning", map[string]interface{}{
			"device":  d,
			"message": msg,
		})
	}
}

// Close releases the console port, frees UDP ports still held by bound
// NIOs, and removes the temporary directory. Safe to call more than once.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = StatusStopped
	console := d.console
	d.console = 0
	tempDir := d.tempDir
	d.tempDir = ""
	adapters := d.adapters
	bridge := d.bridge
	bridgePort := d.bridgePort
	d.bridge = nil
	d.bridgePort = 0
	d.mu.Unlock()

	if bridge != nil {
		bridge.Stop()
		d.allocator.ReleaseTCPPort(bridgePort, d.project)
	}

	for _, a := range adapters {
		for p := 0; p < a.Ports(); p++ {
			n, _ := a.NIO(p)
			if udp, ok := n.(*nio.UDP); ok {
				d.allocator.ReleaseUDPPort(udp.LocalPort, d.project)
			}
		}
	}

	if console != 0 {
		d.allocator.ReleaseTCPPort(console, d.project)
	}
	if tempDir != "" {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Warnf("device %s: remove temporary directory %s: %v", d.id, tempDir, err)
		}
	}

	log.Infof("device %s (%s) closed", d.name, d.id)
	d.project.Emit("device.closed", d)
	return nil
}
