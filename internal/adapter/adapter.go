// Package adapter models a device network adapter: an ordered, fixed-size
// collection of ports, each holding at most one NIO.
package adapter

import (
	"fmt"

	"github.com/virtlab/virtlabd/internal/nio"
)

// PortOutOfRangeError reports a bind or unbind on a port index the
// adapter does not have.
type PortOutOfRangeError struct {
	Port  int
	Ports int
}

func (e *PortOutOfRangeError) Error() string {
	return fmt.Sprintf("port %d does not exist on adapter with %d ports", e.Port, e.Ports)
}

// Adapter is an ordered collection of ports on a device.
type Adapter struct {
	slots []nio.NIO
}

// New creates an adapter with the given number of ports.
func New(ports int) *Adapter {
	if ports <= 0 {
		ports = 1
	}
	return &Adapter{slots: make([]nio.NIO, ports)}
}

// Ports returns the number of ports on the adapter.
func (a *Adapter) Ports() int { return len(a.slots) }

// PortExists reports whether the port index is valid for this adapter.
func (a *Adapter) PortExists(port int) bool {
	return port >= 0 && port < len(a.slots)
}

// AddNIO binds a NIO to the port, overwriting any existing binding.
func (a *Adapter) AddNIO(port int, n nio.NIO) error {
	if !a.PortExists(port) {
		return &PortOutOfRangeError{Port: port, Ports: len(a.slots)}
	}
	a.slots[port] = n
	return nil
}

// RemoveNIO unbinds and returns the NIO at the port, or nil if the port
// was empty.
func (a *Adapter) RemoveNIO(port int) (nio.NIO, error) {
	if !a.PortExists(port) {
		return nil, &PortOutOfRangeError{Port: port, Ports: len(a.slots)}
	}
	n := a.slots[port]
	a.slots[port] = nil
	return n, nil
}

// NIO returns the NIO bound to the port, or nil if the port is empty.
func (a *Adapter) NIO(port int) (nio.NIO, error) {
	if !a.PortExists(port) {
		return nil, &PortOutOfRangeError{Port: port, Ports: len(a.slots)}
	}
	return a.slots[port], nil
}
