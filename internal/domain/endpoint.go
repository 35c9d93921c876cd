package domain

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// ServiceEndpoint — каноническое представление живого агента.
// Принадлежит Discovery-клиенту; при повторном резолве заменяется новым значением.
type ServiceEndpoint struct {
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	HealthPort   int               `json:"health_check_port,omitempty"`
	Protocol     string            `json:"protocol"` // http, https, tcp, grpc ...
	IsHealthy    bool              `json:"is_healthy"`
	LastChecked  time.Time         `json:"last_checked"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Source — какая стратегия резолва вернула эндпоинт
	Source string `json:"source,omitempty"`
}

// Address форматирует адрес с учетом протокола: http(s)://host:port или proto://host:port
func (e ServiceEndpoint) Address() string {
	proto := strings.ToLower(e.Protocol)
	if proto == "" {
		proto = "tcp"
	}
	return proto + "://" + e.HostPort()
}

// HostPort — адрес без схемы; IPv6 в квадратных скобках
func (e ServiceEndpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Fresh сообщает, не устарел ли эндпоинт относительно окна свежести
func (e ServiceEndpoint) Fresh(now time.Time, window time.Duration) bool {
	return !e.LastChecked.IsZero() && now.Sub(e.LastChecked) < window
}
