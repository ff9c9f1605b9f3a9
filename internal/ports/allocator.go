// Package ports tracks the two host port pools every backend draws from:
// TCP console ports and UDP tunnel ports. Candidate ports are probed with
// a real bind before being handed out, and every reservation is recorded
// against the requesting project for release accounting.
package ports

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Range is an allocation port range. Start is probed; End never is when
// Start < End (see FindUnusedPort).
type Range struct {
	Start int
	End   int
}

// VNCRange is the fixed sub-range reserved for VNC-style consoles.
var VNCRange = Range{Start: 5900, End: 6000}

// Owner is the project-side accounting the allocator updates in lockstep
// with its own pools.
type Owner interface {
	ID() string
	RecordTCPPort(port int)
	RemoveTCPPort(port int)
	RecordUDPPort(port int)
	RemoveUDPPort(port int)
}

// bannedPorts are ports browsers refuse to connect to plus well-known
// service ports. They are never handed out, whatever the range says.
var bannedPorts = map[int]struct{}{}

func init() {
	for _, p := range []int{
		1, 7, 9, 11, 13, 15, 17, 19, 20, 21, 22, 23, 25, 37, 42, 43, 53,
		77, 79, 87, 95, 101, 102, 103, 104, 109, 110, 111, 113, 115, 117,
		119, 123, 135, 139, 143, 179, 389, 465, 512, 513, 514, 515, 526,
		530, 531, 532, 540, 556, 563, 587, 601, 636, 993, 995, 2049, 3659,
		4045, 6665, 6666, 6667, 6668, 6669,
	} {
		bannedPorts[p] = struct{}{}
	}
	// X11 display block
	for p := 6000; p <= 6063; p++ {
		bannedPorts[p] = struct{}{}
	}
}

// Recorder mirrors reservation changes into a persistence layer. The
// allocator calls it with its lock held, so implementations must not
// call back into the allocator.
type Recorder interface {
	RecordReservation(port int, protocol, projectID string)
	ForgetReservation(port int, protocol string)
}

// Allocator owns the used-TCP and used-UDP pools. One allocator exists
// per process and is shared by every backend manager.
type Allocator struct {
	mu sync.Mutex

	consoleRange Range
	udpRange     Range
	consoleHost  string
	udpHost      string

	usedTCP map[int]string // port -> owning project id
	usedUDP map[int]string

	recorder Recorder
}

// NewAllocator creates an allocator over the given ranges and probe hosts.
func NewAllocator(consoleRange, udpRange Range, consoleHost, udpHost string) *Allocator {
	return &Allocator{
		consoleRange: consoleRange,
		udpRange:     udpRange,
		consoleHost:  consoleHost,
		udpHost:      udpHost,
		usedTCP:      make(map[int]string),
		usedUDP:      make(map[int]string),
	}
}

// SetRecorder attaches a reservation recorder. Pass nil to detach.
func (a *Allocator) SetRecorder(rec Recorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorder = rec
}

func (a *Allocator) record(port int, protocol, projectID string) {
	if a.recorder != nil {
		a.recorder.RecordReservation(port, protocol, projectID)
	}
}

func (a *Allocator) forget(port int, protocol string) {
	if a.recorder != nil {
		a.recorder.ForgetReservation(port, protocol)
	}
}

// ConsoleHost returns the host console ports are probed on.
func (a *Allocator) ConsoleHost() string { return a.consoleHost }

// ConsoleRange returns the default console port range.
func (a *Allocator) ConsoleRange() Range { return a.consoleRange }

// FindUnusedPort probes candidate ports in ascending order starting at
// start, skipping ignored and banned ports, and returns the first port
// that binds cleanly on every address the host resolves to. When host is
// not the wildcard address the wildcard is probed too, so a later
// wildcard listener cannot collide with the returned port.
//
// When start < end the final port of the range is never probed. That
// boundary has been observed by callers for a long time and stays as is.
func FindUnusedPort(start, end int, host, kind string, ignore map[int]struct{}) (int, error) {
	if end < start {
		return 0, &RangeError{Start: start, End: end}
	}

	var lastErr error
	port := start
	for {
		_, ignored := ignore[port]
		_, banned := bannedPorts[port]
		if !ignored && !banned {
			err := probePort(host, port, kind)
			if err == nil && host != "0.0.0.0" {
				err = probePort("0.0.0.0", port, kind)
			}
			if err == nil {
				return port, nil
			}
			lastErr = err
		}
		if port+1 == end {
			break
		}
		port++
		if port > end {
			break
		}
	}

	return 0, &ExhaustedError{Start: start, End: end, Host: host, Last: lastErr}
}

// probePort resolves host to its address-family records and attempts a
// bind-and-release test socket on every resulting address.
func probePort(host string, port int, kind string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", host, err)
	}
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		switch kind {
		case "udp":
			conn, err := net.ListenPacket("udp", addr)
			if err != nil {
				return err
			}
			conn.Close()
		default:
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ln.Close()
		}
	}
	return nil
}

// GetFreeTCPPort allocates a console TCP port for the project. An
// explicit range overrides the console range (used for VNC consoles).
func (a *Allocator) GetFreeTCPPort(owner Owner, rangeOverride ...Range) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getFreeTCPPortLocked(owner, rangeOverride...)
}

func (a *Allocator) getFreeTCPPortLocked(owner Owner, rangeOverride ...Range) (int, error) {
	rng := a.consoleRange
	if len(rangeOverride) > 0 {
		rng = rangeOverride[0]
	}
	ignore := make(map[int]struct{}, len(a.usedTCP))
	for p := range a.usedTCP {
		ignore[p] = struct{}{}
	}
	port, err := FindUnusedPort(rng.Start, rng.End, a.consoleHost, "tcp", ignore)
	if err != nil {
		return 0, err
	}
	a.usedTCP[port] = owner.ID()
	owner.RecordTCPPort(port)
	a.record(port, "tcp", owner.ID())
	log.Debugf("TCP port %d allocated to project %s", port, owner.ID())
	return port, nil
}

// ReserveTCPPort reserves a specific console TCP port. If the port is
// already used, outside the applicable range, or fails a live bind probe,
// a freshly allocated port from the same range is silently substituted
// and the replacement is logged. The returned port is the one actually
// reserved.
func (a *Allocator) ReserveTCPPort(port int, owner Owner, rangeOverride ...Range) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rng := a.consoleRange
	if len(rangeOverride) > 0 {
		rng = rangeOverride[0]
	}

	if _, used := a.usedTCP[port]; used {
		newPort, err := a.getFreeTCPPortLocked(owner, rng)
		if err != nil {
			return 0, err
		}
		log.Warnf("TCP port %d already in use on host %s, replaced by %d", port, a.consoleHost, newPort)
		return newPort, nil
	}
	if port < rng.Start || port > rng.End {
		newPort, err := a.getFreeTCPPortLocked(owner, rng)
		if err != nil {
			return 0, err
		}
		log.Warnf("TCP port %d is outside the range %d-%d, replaced by %d", port, rng.Start, rng.End, newPort)
		return newPort, nil
	}
	if err := probePort(a.consoleHost, port, "tcp"); err != nil {
		newPort, perr := a.getFreeTCPPortLocked(owner, rng)
		if perr != nil {
			return 0, perr
		}
		log.Warnf("TCP port %d cannot be bound on host %s (%v), replaced by %d", port, a.consoleHost, err, newPort)
		return newPort, nil
	}

	a.usedTCP[port] = owner.ID()
	owner.RecordTCPPort(port)
	a.record(port, "tcp", owner.ID())
	return port, nil
}

// ReserveTCPPortStrict reserves a specific console TCP port and fails
// with a ConflictError instead of substituting. Callers that must not
// silently end up on a different port use this entry point.
func (a *Allocator) ReserveTCPPortStrict(port int, owner Owner, rangeOverride ...Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rng := a.consoleRange
	if len(rangeOverride) > 0 {
		rng = rangeOverride[0]
	}

	if _, used := a.usedTCP[port]; used {
		return &ConflictError{Port: port, Protocol: "TCP", Reason: "already in use"}
	}
	if port < rng.Start || port > rng.End {
		return &ConflictError{Port: port, Protocol: "TCP",
			Reason: fmt.Sprintf("outside the range %d-%d", rng.Start, rng.End)}
	}
	if err := probePort(a.consoleHost, port, "tcp"); err != nil {
		return &ConflictError{Port: port, Protocol: "TCP",
			Reason: fmt.Sprintf("cannot be bound on host %s: %v", a.consoleHost, err)}
	}

	a.usedTCP[port] = owner.ID()
	owner.RecordTCPPort(port)
	a.record(port, "tcp", owner.ID())
	return nil
}

// ReleaseTCPPort returns a console TCP port to the pool. No-op if the
// port is not currently tracked.
func (a *Allocator) ReleaseTCPPort(port int, owner Owner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, used := a.usedTCP[port]; !used {
		return
	}
	delete(a.usedTCP, port)
	owner.RemoveTCPPort(port)
	a.forget(port, "tcp")
	log.Debugf("TCP port %d released from project %s", port, owner.ID())
}

// GetFreeUDPPort allocates a UDP tunnel port for the project.
func (a *Allocator) GetFreeUDPPort(owner Owner) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ignore := make(map[int]struct{}, len(a.usedUDP))
	for p := range a.usedUDP {
		ignore[p] = struct{}{}
	}
	port, err := FindUnusedPort(a.udpRange.Start, a.udpRange.End, a.udpHost, "udp", ignore)
	if err != nil {
		return 0, err
	}
	a.usedUDP[port] = owner.ID()
	owner.RecordUDPPort(port)
	a.record(port, "udp", owner.ID())
	log.Debugf("UDP port %d allocated to project %s", port, owner.ID())
	return port, nil
}

// ReserveUDPPort reserves a specific UDP tunnel port. Unlike the TCP
// sibling there is no defensive substitution: any conflict is an error.
func (a *Allocator) ReserveUDPPort(port int, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, used := a.usedUDP[port]; used {
		return &ConflictError{Port: port, Protocol: "UDP", Reason: "already in use"}
	}
	if port < a.udpRange.Start || port > a.udpRange.End {
		return &ConflictError{Port: port, Protocol: "UDP",
			Reason: fmt.Sprintf("outside the range %d-%d", a.udpRange.Start, a.udpRange.End)}
	}

	a.usedUDP[port] = owner.ID()
	owner.RecordUDPPort(port)
	a.record(port, "udp", owner.ID())
	return nil
}

// ReleaseUDPPort returns a UDP tunnel port to the pool. No-op if the
// port is not currently tracked.
func (a *Allocator) ReleaseUDPPort(port int, owner Owner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, used := a.usedUDP[port]; !used {
		return
	}
	delete(a.usedUDP, port)
	owner.RemoveUDPPort(port)
	a.forget(port, "udp")
	log.Debugf("UDP port %d released from project %s", port, owner.ID())
}

// UsedTCP returns a snapshot of the allocated TCP ports and their owners.
func (a *Allocator) UsedTCP() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.usedTCP))
	for p, id := range a.usedTCP {
		out[p] = id
	}
	return out
}

// UsedUDP returns a snapshot of the allocated UDP ports and their owners.
func (a *Allocator) UsedUDP() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.usedUDP))
	for p, id := range a.usedUDP {
		out[p] = id
	}
	return out
}
