package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Radio manages WiFi association.
type Radio interface {
	Associate(ctx context.Context, ssid, password string) error
	Associated() bool
	// RSSI returns the signal strength in dBm, or 0 when unknown.
	RSSI() int
}

// Ensure radios implement Radio.
var (
	_ Radio = Static{}
	_ Radio = (*NMCLI)(nil)
	_ Radio = (*MockRadio)(nil)
)

// Static is the radio of a wired gateway: always associated.
type Static struct{}

// Associate is a no-op.
func (Static) Associate(context.Context, string, string) error { return nil }

// Associated always returns true.
func (Static) Associated() bool { return true }

// RSSI is unknown on a wired link.
func (Static) RSSI() int { return 0 }

// NMCLI associates through NetworkManager's command line client.
type NMCLI struct {
	Device string        // Interface name, empty for any
	TTL    time.Duration // How long a state query is cached

	mu      sync.Mutex
	checked time.Time
	up      bool
	rssi    int
}

// Associate connects to ssid.
func (n *NMCLI) Associate(ctx context.Context, ssid, password string) error {
	args := []string{"dev", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	if n.Device != "" {
		args = append(args, "ifname", n.Device)
	}
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli connect %q: %w: %s", ssid, err, strings.TrimSpace(string(out)))
	}

	n.mu.Lock()
	n.checked = time.Time{}
	n.mu.Unlock()
	return nil
}

// Associated reports whether a WiFi connection is active.
func (n *NMCLI) Associated() bool {
	n.refresh()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up
}

// RSSI returns the approximate signal strength of the active access point.
func (n *NMCLI) RSSI() int {
	n.refresh()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rssi
}

func (n *NMCLI) refresh() {
	ttl := n.TTL
	if ttl == 0 {
		ttl = 5 * time.Second
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if time.Since(n.checked) < ttl {
		return
	}
	n.checked = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nmcli", "-t", "-f", "IN-USE,SIGNAL", "dev", "wifi").Output()
	if err != nil {
		n.up, n.rssi = false, 0
		return
	}
	n.up, n.rssi = parseSignal(string(out))
}

// parseSignal finds the in-use access point in `nmcli -t -f IN-USE,SIGNAL dev wifi`
// output and converts its 0-100 quality to dBm.
func parseSignal(out string) (bool, int) {
	for _, line := range strings.Split(out, "\n") {
		inUse, quality, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || inUse != "*" {
			continue
		}
		q, err := strconv.Atoi(quality)
		if err != nil {
			return true, 0
		}
		return true, q/2 - 100
	}
	return false, 0
}

// MockRadio is a scriptable radio for tests and mock runs.
type MockRadio struct {
	mu       sync.Mutex
	up       bool
	failNext int
	attempts int
	rssi     int
}

// NewMockRadio creates a radio that associates on the first attempt.
func NewMockRadio() *MockRadio {
	return &MockRadio{rssi: -60}
}

// Associate succeeds unless failures were scheduled with FailNext.
func (m *MockRadio) Associate(ctx context.Context, ssid, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("association failed")
	}
	m.up = true
	return nil
}

// Associated reports the simulated association state.
func (m *MockRadio) Associated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// RSSI returns the simulated signal strength.
func (m *MockRadio) RSSI() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return 0
	}
	return m.rssi
}

// Drop simulates losing the access point.
func (m *MockRadio) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = false
}

// FailNext makes the next n association attempts fail.
func (m *MockRadio) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Attempts returns the number of association attempts so far.
func (m *MockRadio) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LocalAddrs returns the first non-loopback IPv4 address and its interface MAC.
func LocalAddrs() (ip string, mac string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String(), iface.HardwareAddr.String()
			}
		}
	}
	return "", ""
}
