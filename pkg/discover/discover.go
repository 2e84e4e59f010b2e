// Package discover advertises and locates PhoneLink gateways on the local
// network via mDNS/DNS-SD, using the same service type the original
// gateway publishes.
package discover

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type a gateway advertises.
const ServiceType = "_phoneconnect._tcp"

const domain = "local."

// Gateway is a resolved gateway endpoint.
type Gateway struct {
	URL  string // ready-to-use HTTP base URL, e.g. "http://10.0.0.5:3000"
	Host string
	Port int
}

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Advertise registers the gateway instance on the local network.
func Advertise(instance string, port int) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, ServiceType, domain, port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Browse scans the LAN for a gateway and returns the first one that
// resolves with a usable address, or nil if none is found before the
// timeout.
func Browse(ctx context.Context, timeout time.Duration) (*Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case entry, ok := <-entries:
			if !ok {
				return nil, nil
			}
			if entry == nil {
				continue
			}
			host := pickAddress(entry)
			if host == "" {
				continue
			}
			return &Gateway{
				URL:  fmt.Sprintf("http://%s:%d", host, entry.Port),
				Host: host,
				Port: entry.Port,
			}, nil
		}
	}
}

// pickAddress prefers a routable IPv4 address, then any non-loopback
// address. Link-local addresses are skipped.
func pickAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return fmt.Sprintf("[%s]", ip.String())
		}
	}
	return ""
}
