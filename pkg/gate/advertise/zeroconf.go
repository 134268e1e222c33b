package advertise

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
	"github.com/marmos91/dittogate/internal/logger"
)

// ZeroconfPublisher announces records over multicast DNS.
type ZeroconfPublisher struct {
	Instance string
	Service  string
	Domain   string
	Port     int

	// Interfaces restricts announcements; nil means all multicast interfaces.
	Interfaces []net.Interface
}

func (z ZeroconfPublisher) Publish(rec Record) (func(), error) {
	instance, service, domain := z.Instance, z.Service, z.Domain
	if instance == "" {
		instance = DefaultInstance
	}
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}

	server, err := zeroconf.Register(instance, service, domain, z.Port, rec.TXT(), z.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s.%s: %w", instance, service, err)
	}
	return server.Shutdown, nil
}

// Service is a discovered device.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Record    Record
}

// Browse collects advertisements for service until ctx is done. Entries
// whose TXT records cannot be parsed are skipped.
func Browse(ctx context.Context, service, domain string) ([]Service, error) {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse %s: %w", service, err)
	}

	var found []Service
	for entry := range entries {
		rec, err := ParseTXT(entry.Text)
		if err != nil {
			logger.Debug("Discovery: skipping %s: %v", entry.Instance, err)
			continue
		}

		svc := Service{
			Instance: entry.Instance,
			Host:     entry.HostName,
			Port:     entry.Port,
			Record:   rec,
		}
		for _, ip := range entry.AddrIPv4 {
			svc.Addresses = append(svc.Addresses, ip.String())
		}
		for _, ip := range entry.AddrIPv6 {
			svc.Addresses = append(svc.Addresses, ip.String())
		}
		found = append(found, svc)
	}
	return found, nil
}
