// Package nio models the link endpoints a device adapter port can be
// wired to: a UDP tunnel, a TAP interface, a raw Ethernet interface, or
// a NAT pseudo-interface. The set is closed: every NIO is one of the
// four variants defined here, and code switching on the concrete type
// can rely on that.
package nio

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Types of NIO variants.
const (
	TypeUDP      = "nio_udp"
	TypeTAP      = "nio_tap"
	TypeEthernet = "nio_ethernet"
	TypeNAT      = "nio_nat"
)

// DefaultCaptureLinkType selects Ethernet framing for written captures.
const DefaultCaptureLinkType = "DLT_EN10MB"

// NIO is one endpoint of a virtual network connection. The interface is
// sealed: only the variants in this package implement it.
type NIO interface {
	Type() string

	StartCapture(pcapFile, linkType string) error
	StopCapture()
	Capturing() bool
	PcapFile() string
	CaptureLinkType() string

	sealed()
}

// capture holds the optional packet-capture state shared by all variants.
// It is guarded by the owning device's lock, like the rest of the NIO.
type capture struct {
	capturing bool
	pcapFile  string
	linkType  string
}

func (c *capture) StartCapture(pcapFile, linkType string) error {
	if c.capturing {
		return fmt.Errorf("capture already started (writing to %s)", c.pcapFile)
	}
	if linkType == "" {
		linkType = DefaultCaptureLinkType
	}
	c.capturing = true
	c.pcapFile = pcapFile
	c.linkType = linkType
	return nil
}

func (c *capture) StopCapture() {
	c.capturing = false
	c.pcapFile = ""
	c.linkType = ""
}

func (c *capture) Capturing() bool         { return c.capturing }
func (c *capture) PcapFile() string        { return c.pcapFile }
func (c *capture) CaptureLinkType() string { return c.linkType }

// UDP is a UDP tunnel endpoint. The local port is reserved from the
// allocator's UDP pool by the caller and travels with the NIO so it can
// be released when the link is unbound.
type UDP struct {
	capture
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// NewUDP validates the tunnel endpoints and returns the NIO. The remote
// side is resolved and connect-probed; an unresolvable remote fails
// construction.
func NewUDP(localPort int, remoteHost string, remotePort int) (*UDP, error) {
	if localPort <= 0 || remotePort <= 0 || remoteHost == "" {
		return nil, fmt.Errorf("invalid UDP tunnel endpoints %d -> %s:%d", localPort, remoteHost, remotePort)
	}
	addr := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	conn, err := net.DialTimeout("udp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UDP tunnel remote %s unreachable: %w", addr, err)
	}
	conn.Close()
	return &UDP{LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort}, nil
}

func (n *UDP) Type() string { return TypeUDP }
func (n *UDP) sealed()      {}

// TAP attaches to a host TAP interface. No host-side validation happens
// at construction; the interface is created by the bridge process later.
type TAP struct {
	capture
	Device string
}

// NewTAP returns a TAP NIO for the named device.
func NewTAP(device string) (*TAP, error) {
	if device == "" {
		return nil, fmt.Errorf("TAP device name is required")
	}
	return &TAP{Device: device}, nil
}

func (n *TAP) Type() string { return TypeTAP }
func (n *TAP) sealed()      {}

// Ethernet attaches to a raw host Ethernet interface, which must exist
// and be up when the NIO is constructed.
type Ethernet struct {
	capture
	Interface string
}

// NewEthernet validates that the named host interface is currently up.
func NewEthernet(ifname string) (*Ethernet, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("Ethernet interface %s not found: %w", ifname, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("Ethernet interface %s is down", ifname)
	}
	return &Ethernet{Interface: ifname}, nil
}

func (n *Ethernet) Type() string { return TypeEthernet }
func (n *Ethernet) sealed()      {}

// NAT is a NAT pseudo-interface handled entirely by the bridge process.
type NAT struct {
	capture
}

// NewNAT returns a NAT NIO. There is nothing to validate host-side.
func NewNAT() *NAT {
	return &NAT{}
}

func (n *NAT) Type() string { return TypeNAT }
func (n *NAT) sealed()      {}
