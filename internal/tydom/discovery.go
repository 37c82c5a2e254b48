package tydom

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Candidate is one possible local gateway host, tagged with the mechanism
// that produced it.
type Candidate struct {
	Host   string
	Method string
}

// Discoverer emits candidate hosts for the orchestrator to probe.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// MDNSDiscoverer browses the LAN for the gateway's Bonjour advertisement.
// The gateway announces itself as "tydom-<last 6 MAC chars>" under
// _https._tcp.
type MDNSDiscoverer struct {
	Service string
	Domain  string
	Timeout time.Duration
	MAC     string // normalized; "" matches any tydom instance
	logger  *slog.Logger
}

// NewMDNSDiscoverer creates a discoverer for the given normalized MAC.
func NewMDNSDiscoverer(mac string, logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{
		Service: "_https._tcp",
		Domain:  "local.",
		Timeout: 3 * time.Second,
		MAC:     mac,
		logger:  logger.With("component", "discovery"),
	}
}

func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	browseCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(browseCtx, d.Service, d.Domain, entries); err != nil {
		return nil, err
	}

	var candidates []Candidate
	for entry := range entries {
		if !d.matches(entry.Instance) {
			continue
		}
		d.logger.Info("gateway advertisement", "instance", entry.Instance, "host", entry.HostName)
		for _, ip := range entry.AddrIPv4 {
			candidates = append(candidates, Candidate{Host: ip.String(), Method: "mdns"})
		}
	}
	return candidates, nil
}

func (d *MDNSDiscoverer) matches(instance string) bool {
	lower := strings.ToLower(instance)
	if !strings.Contains(lower, "tydom") {
		return false
	}
	if d.MAC == "" {
		return true
	}
	suffix := strings.ToLower(d.MAC[len(d.MAC)-6:])
	return strings.Contains(lower, suffix)
}

// StaticDiscoverer emits configured fallback hosts.
type StaticDiscoverer struct {
	Hosts []string
}

func (d *StaticDiscoverer) Discover(context.Context) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		candidates = append(candidates, Candidate{Host: h, Method: "static"})
	}
	return candidates, nil
}

// MultiDiscoverer runs discoverers in order and de-duplicates by host,
// keeping the first mechanism that produced each one. mDNS hits go first by
// placing that discoverer first.
type MultiDiscoverer struct {
	Discoverers []Discoverer
	logger      *slog.Logger
}

// NewMultiDiscoverer combines discoverers, preserving their order.
func NewMultiDiscoverer(logger *slog.Logger, discoverers ...Discoverer) *MultiDiscoverer {
	return &MultiDiscoverer{Discoverers: discoverers, logger: logger.With("component", "discovery")}
}

func (d *MultiDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, disc := range d.Discoverers {
		candidates, err := disc.Discover(ctx)
		if err != nil {
			// One failing mechanism must not hide the others' results.
			d.logger.Warn("discovery mechanism failed", "err", err)
			continue
		}
		for _, c := range candidates {
			if _, dup := seen[c.Host]; dup {
				continue
			}
			seen[c.Host] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}
