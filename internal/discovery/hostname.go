package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// HostnameResolver — прямое отображение name -> host[:port] из конфига,
// плюс необязательный DNS-поиск name+suffix (например ".agents.svc").
// Порт берется из записи или из графа агентов.
type HostnameResolver struct {
	hosts    map[string]string
	ports    map[string]int
	suffix   string
	protocol string
	lookup   func(ctx context.Context, host string) ([]string, error)
}

func NewHostnameResolver(hosts map[string]string, ports map[string]int, suffix, protocol string) *HostnameResolver {
	return &HostnameResolver{
		hosts:    hosts,
		ports:    ports,
		suffix:   suffix,
		protocol: protocol,
		lookup:   net.DefaultResolver.LookupHost,
	}
}

func (h *HostnameResolver) Name() string { return StrategyHostname }

func (h *HostnameResolver) Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	if entry, ok := h.hosts[name]; ok {
		host, port, err := splitHostPort(entry)
		if err != nil {
			return domain.ServiceEndpoint{}, fmt.Errorf("hostname: entry for %s: %w", name, err)
		}
		if port == 0 {
			port = h.ports[name]
		}
		if port == 0 {
			return domain.ServiceEndpoint{}, fmt.Errorf("hostname: no port known for %s: %w", name, domain.ErrNotFound)
		}
		return h.endpoint(name, host, port), nil
	}

	if h.suffix == "" {
		return domain.ServiceEndpoint{}, fmt.Errorf("hostname: %s: %w", name, domain.ErrNotFound)
	}
	port := h.ports[name]
	if port == 0 {
		return domain.ServiceEndpoint{}, fmt.Errorf("hostname: no port known for %s: %w", name, domain.ErrNotFound)
	}

	fqdn := name + h.suffix
	if _, err := h.lookup(ctx, fqdn); err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return domain.ServiceEndpoint{}, fmt.Errorf("hostname: %s: %w", fqdn, domain.ErrNotFound)
		}
		return domain.ServiceEndpoint{}, fmt.Errorf("hostname: lookup %s: %w", fqdn, err)
	}
	// В эндпоинт кладем имя, а не адрес из DNS: hostname предпочтительнее IP
	return h.endpoint(name, fqdn, port), nil
}

func (h *HostnameResolver) endpoint(name, host string, port int) domain.ServiceEndpoint {
	return domain.ServiceEndpoint{
		Name:      name,
		Host:      host,
		Port:      port,
		Protocol:  h.protocol,
		IsHealthy: true,
	}
}
