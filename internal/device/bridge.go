package device

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// MinBridgeVersion is the oldest packet bridge the device core can talk to.
const MinBridgeVersion = "0.9.14"

// Bridge manages the packet bridge companion process that wires adapter
// ports to host interfaces. Each device gets its own bridge.
type Bridge struct {
	cmd     *exec.Cmd
	addr    string
	pidFile string
	version string
}

// StartBridge spawns a bridge process listening on 127.0.0.1:port and
// waits until its hypervisor endpoint answers with an acceptable version.
// bridgeBin may be empty, in which case PATH is searched.
func StartBridge(bridgeBin, workDir string, port int) (*Bridge, error) {
	if bridgeBin == "" {
		bin, err := exec.LookPath("ubridge")
		if err != nil {
			return nil, fmt.Errorf("packet bridge binary not found in PATH: %w", err)
		}
		bridgeBin = bin
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	pidFile := filepath.Join(workDir, "bridge.pid")

	cmd := exec.Command(bridgeBin, "-H", addr)
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start packet bridge: %w", err)
	}

	os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0600)

	b := &Bridge{cmd: cmd, addr: addr, pidFile: pidFile}

	if err := b.waitReady(5 * time.Second); err != nil {
		b.Stop()
		return nil, fmt.Errorf("packet bridge on %s not reachable: %w", addr, err)
	}

	version, err := b.queryVersion()
	if err != nil {
		b.Stop()
		return nil, fmt.Errorf("query packet bridge version: %w", err)
	}
	if compareVersions(version, MinBridgeVersion) < 0 {
		b.Stop()
		return nil, fmt.Errorf("packet bridge version %s is too old, %s or later is required", version, MinBridgeVersion)
	}
	b.version = version

	log.Infof("packet bridge %s started on %s", version, addr)
	return b, nil
}

// Addr returns the bridge hypervisor endpoint.
func (b *Bridge) Addr() string { return b.addr }

// Version returns the bridge's reported version.
func (b *Bridge) Version() string { return b.version }

// waitReady polls the hypervisor endpoint until it accepts connections.
func (b *Bridge) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", b.addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", b.addr)
}

// queryVersion asks the hypervisor endpoint for its version. The reply
// line looks like "100-0.9.18".
func (b *Bridge) queryVersion() (string, error) {
	conn, err := net.DialTimeout("tcp", b.addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprint(conn, "hypervisor version\r\n"); err != nil {
		return "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	_, version, ok := strings.Cut(line, "-")
	if !ok {
		return "", fmt.Errorf("unexpected version reply %q", line)
	}
	return version, nil
}

// Stop kills the bridge process and removes its PID file.
func (b *Bridge) Stop() {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		b.cmd.Wait()
	}
	os.Remove(b.pidFile)
}

// compareVersions compares dotted numeric versions: -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}
