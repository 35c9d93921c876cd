package discovery

import (
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Normalize приводит эндпоинт к каноническому виду для клиентской стороны:
// hostname предпочтительнее голого IP, 0.0.0.0 превращается в localhost,
// протокол в нижнем регистре. Возвращает копию, исходное значение не трогает.
func Normalize(ep domain.ServiceEndpoint, defaultProtocol string) domain.ServiceEndpoint {
	out := ep
	out.Capabilities = slices.Clone(ep.Capabilities)
	out.Metadata = maps.Clone(ep.Metadata)

	host := strings.TrimSpace(out.Host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if isIP(host) {
		if hn := out.Metadata["hostname"]; hn != "" {
			host = hn
		}
	}
	if isWildcard(host) {
		host = "localhost"
	}
	out.Host = host

	out.Protocol = strings.ToLower(strings.TrimSpace(out.Protocol))
	if out.Protocol == "" {
		out.Protocol = strings.ToLower(defaultProtocol)
	}
	if out.Protocol == "" {
		out.Protocol = "tcp"
	}
	return out
}

func isIP(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

func isWildcard(host string) bool {
	if host == "" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsUnspecified()
}

// healthSpecFor строит проверку эндпоинта по его протоколу и health-порту
func healthSpecFor(ep domain.ServiceEndpoint, timeout time.Duration) domain.HealthCheckSpec {
	port := ep.HealthPort
	if port == 0 {
		port = ep.Port + 1
	}
	hostPort := net.JoinHostPort(ep.Host, strconv.Itoa(port))

	spec := domain.HealthCheckSpec{Timeout: timeout}
	switch ep.Protocol {
	case "http", "https":
		spec.Transport = domain.TransportHTTP
		spec.Target = fmt.Sprintf("%s://%s%s", ep.Protocol, hostPort, domain.DefaultHealthPath)
	case "grpc":
		spec.Transport = domain.TransportGRPC
		spec.Target = hostPort
	default:
		spec.Transport = domain.TransportSocket
		spec.Target = hostPort
	}
	return spec.WithDefaults()
}

// splitHostPort принимает host или host:port; порт 0, если не задан
func splitHostPort(s string) (string, int, error) {
	// Голый IPv6 без скобок считаем хостом без порта
	if !strings.Contains(s, ":") || (strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[")) {
		return s, 0, nil
	}
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return host, port, nil
}
