package health

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-terminal/internal/events"
)

// ConnectionType is the device-level connectivity class.
type ConnectionType string

const (
	ConnWiFi     ConnectionType = "wifi"
	ConnMobile   ConnectionType = "mobile"
	ConnEthernet ConnectionType = "ethernet"
	ConnVPN      ConnectionType = "vpn"
	ConnOther    ConnectionType = "other"
	ConnNone     ConnectionType = "none"
)

// Interface is the part of a network interface the observer looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// SystemInterfaces lists the host's interfaces via the net package.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		out = append(out, Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  len(addrs) > 0,
		})
	}
	return out, nil
}

// classifyInterface guesses the connectivity class from the interface
// name. Bridges and container veths are not device uplinks and report "".
func classifyInterface(name string) ConnectionType {
	switch {
	case name == "lo" || name == "lo0":
		return ""
	case strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "utun") ||
		strings.HasPrefix(name, "wg") || strings.HasPrefix(name, "tailscale") ||
		strings.HasPrefix(name, "ppp") || strings.HasPrefix(name, "ipsec"):
		return ConnVPN
	case strings.HasPrefix(name, "wl") || strings.HasPrefix(name, "wlan"):
		return ConnWiFi
	case strings.HasPrefix(name, "rmnet") || strings.HasPrefix(name, "pdp_ip") ||
		strings.HasPrefix(name, "ccmni") || strings.HasPrefix(name, "wwan"):
		return ConnMobile
	case strings.HasPrefix(name, "en") || strings.HasPrefix(name, "eth"):
		return ConnEthernet
	case strings.HasPrefix(name, "br") || strings.HasPrefix(name, "docker") || strings.HasPrefix(name, "cni") ||
		strings.HasPrefix(name, "veth") || strings.HasPrefix(name, "cali") || strings.HasPrefix(name, "flannel"):
		return ""
	default:
		return ConnOther
	}
}

// precedence orders connection types when several uplinks are active.
var precedence = map[ConnectionType]int{
	ConnVPN:      5,
	ConnEthernet: 4,
	ConnWiFi:     3,
	ConnMobile:   2,
	ConnOther:    1,
}

// Classify reduces a set of interfaces to one connection type.
func Classify(ifaces []Interface) ConnectionType {
	best := ConnNone
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback || !iface.HasAddr {
			continue
		}
		t := classifyInterface(iface.Name)
		if t != "" && precedence[t] > precedence[best] {
			best = t
		}
	}
	return best
}

// NetworkObserver tracks device connectivity independently of sessions.
type NetworkObserver struct {
	list   func() ([]Interface, error)
	logger *slog.Logger
	bus    *events.Broadcaster[ConnectionType]

	mu      sync.Mutex
	current ConnectionType
}

// NewNetworkObserver creates an observer. A nil list uses SystemInterfaces.
func NewNetworkObserver(list func() ([]Interface, error)) *NetworkObserver {
	if list == nil {
		list = SystemInterfaces
	}
	return &NetworkObserver{
		list:    list,
		logger:  slog.Default().With("component", "network"),
		bus:     events.New[ConnectionType](),
		current: ConnNone,
	}
}

// Refresh re-reads interfaces and publishes a change when the type moved.
func (o *NetworkObserver) Refresh() ConnectionType {
	ifaces, err := o.list()
	next := ConnNone
	if err != nil {
		o.logger.Warn("listing interfaces failed", "error", err)
	} else {
		next = Classify(ifaces)
	}

	o.mu.Lock()
	changed := next != o.current
	o.current = next
	o.mu.Unlock()

	if changed {
		o.logger.Info("connectivity changed", "type", next)
		o.bus.Publish(next)
	}
	return next
}

// Current returns the last observed connection type.
func (o *NetworkObserver) Current() ConnectionType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Connected reports whether the device has any usable uplink.
func (o *NetworkObserver) Connected() bool {
	return o.Current() != ConnNone
}

// Subscribe returns connectivity changes.
func (o *NetworkObserver) Subscribe() (<-chan ConnectionType, func()) {
	return o.bus.Subscribe(events.DefaultBuffer)
}

// Run refreshes every interval until ctx is done.
func (o *NetworkObserver) Run(ctx context.Context, interval time.Duration) {
	o.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.bus.Close()
			return
		case <-ticker.C:
			o.Refresh()
		}
	}
}
