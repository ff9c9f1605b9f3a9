// Package project models the project boundary the device core collaborates
// with: port ownership accounting, device membership, the on-disk working
// directory tree, and lifecycle event fan-out to observers.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Device is the view of a device instance the project needs: enough to
// key working directories and track membership.
type Device interface {
	ID() string
	Name() string
	Backend() string
}

// Listener receives project lifecycle events.
type Listener func(event string, payload interface{})

// Project groups device instances and owns the working-directory tree
// and the set of ports reserved on its behalf.
type Project struct {
	mu sync.Mutex

	id    string
	name  string
	path  string
	local bool

	tcpPorts map[int]struct{}
	udpPorts map[int]struct{}
	devices  map[string]Device

	// Directories queued for removal on the next Commit.
	doomed []string

	listeners []Listener
}

// New creates a project rooted at path. The directory is created if absent.
func New(id, name, path string, local bool) (*Project, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create project directory %s: %w", path, err)
	}
	return &Project{
		id:       id,
		name:     name,
		path:     path,
		local:    local,
		tcpPorts: make(map[int]struct{}),
		udpPorts: make(map[int]struct{}),
		devices:  make(map[string]Device),
	}, nil
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.id }

// Name returns the project name.
func (p *Project) Name() string { return p.name }

// Path returns the project root directory.
func (p *Project) Path() string { return p.path }

// IsLocal reports whether the server only serves local clients.
func (p *Project) IsLocal() bool { return p.local }

// Subscribe registers a listener for project events.
func (p *Project) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Emit delivers an event to every registered listener.
func (p *Project) Emit(event string, payload interface{}) {
	p.mu.Lock()
	ls := make([]Listener, len(p.listeners))
	copy(ls, p.listeners)
	p.mu.Unlock()
	for _, l := range ls {
		l(event, payload)
	}
}

// RecordTCPPort notes that port is reserved on behalf of this project.
func (p *Project) RecordTCPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tcpPorts[port] = struct{}{}
}

// RemoveTCPPort forgets a TCP port reservation. No-op if not recorded.
func (p *Project) RemoveTCPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tcpPorts, port)
}

// RecordUDPPort notes that port is reserved on behalf of this project.
func (p *Project) RecordUDPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.udpPorts[port] = struct{}{}
}

// RemoveUDPPort forgets a UDP port reservation. No-op if not recorded.
func (p *Project) RemoveUDPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.udpPorts, port)
}

// TCPPorts returns a snapshot of the recorded TCP ports.
func (p *Project) TCPPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.tcpPorts))
	for port := range p.tcpPorts {
		ports = append(ports, port)
	}
	return ports
}

// UDPPorts returns a snapshot of the recorded UDP ports.
func (p *Project) UDPPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.udpPorts))
	for port := range p.udpPorts {
		ports = append(ports, port)
	}
	return ports
}

// AddDevice records a device as belonging to this project.
func (p *Project) AddDevice(d Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[d.ID()] = d
}

// RemoveDevice removes a device from this project. No-op if absent.
func (p *Project) RemoveDevice(d Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, d.ID())
}

// HasDevice reports whether the device with the given id belongs here.
func (p *Project) HasDevice(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[id]
	return ok
}

// Devices returns a snapshot of the project's devices.
func (p *Project) Devices() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	devs := make([]Device, 0, len(p.devices))
	for _, d := range p.devices {
		devs = append(devs, d)
	}
	return devs
}

// DeviceWorkingDirectory returns (and creates) the per-device working
// directory: <project>/project-files/<backend>/<uuid>.
func (p *Project) DeviceWorkingDirectory(d Device) (string, error) {
	dir := filepath.Join(p.path, "project-files", d.Backend(), d.ID())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create working directory %s: %w", dir, err)
	}
	return dir, nil
}

// MarkForDestruction queues a directory for removal on the next Commit.
// The directory must live under the project root; anything else is refused.
func (p *Project) MarkForDestruction(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(p.path)
	if err != nil {
		return err
	}
	if abs != root && !isUnder(abs, root) {
		return fmt.Errorf("directory %s is outside project %s", dir, p.id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doomed = append(p.doomed, abs)
	return nil
}

// Commit removes every directory queued by MarkForDestruction. Failures
// are logged per directory and do not abort the rest.
func (p *Project) Commit() {
	p.mu.Lock()
	doomed := p.doomed
	p.doomed = nil
	p.mu.Unlock()

	for _, dir := range doomed {
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("project %s: remove %s: %v", p.id, dir, err)
		}
	}
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
