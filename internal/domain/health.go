package domain

import (
	"fmt"
	"strings"
	"time"
)

// Transport — протокол health-check
type Transport string

const (
	TransportSocket Transport = "SOCKET_REQUEST_RESPONSE"
	TransportHTTP   Transport = "HTTP"
	TransportGRPC   Transport = "GRPC" // Стандартный grpc.health.v1
)

// ParseTransport принимает как канонические имена, так и короткие алиасы из конфига
func ParseTransport(s string) (Transport, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "SOCKET", "SOCKET_REQUEST_RESPONSE", "REQ_REP", "TCP":
		return TransportSocket, nil
	case "HTTP", "HTTPS":
		return TransportHTTP, nil
	case "GRPC":
		return TransportGRPC, nil
	default:
		return "", fmt.Errorf("%w: unknown health transport %q", ErrInvalidSpec, s)
	}
}

// HealthStatus — классификация живости агента
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthUnhealthy   HealthStatus = "UNHEALTHY"
	HealthTimeout     HealthStatus = "TIMEOUT"
	HealthUnreachable HealthStatus = "UNREACHABLE"
	HealthError       HealthStatus = "ERROR"
)

var (
	DefaultAcceptedValues = []string{"ok", "healthy", "operational", "success", "running"}
	DefaultSuccessKey     = "status"
	DefaultHealthPath     = "/health"
	DefaultProbeTimeout   = 5 * time.Second
)

// DefaultRequestPayload возвращает новую копию дефолтного запроса
func DefaultRequestPayload() map[string]any {
	return map[string]any{"action": "health_check"}
}

// HealthCheckSpec — декларативная конфигурация одной проверки
type HealthCheckSpec struct {
	Transport      Transport      `json:"transport"`
	Target         string         `json:"target"` // host:port[/path] или URL
	RequestPayload map[string]any `json:"request_payload,omitempty"`
	SuccessKey     string         `json:"success_key"`
	AcceptedValues []string       `json:"accepted_values"`

	// ExactMatch — per-agent оверрайд: строковое значение должно совпасть побайтно
	ExactMatch string `json:"exact_match,omitempty"`
	// SuccessValue — значение для нетекстовых ответов (bool/число), сравнивается на равенство
	SuccessValue any `json:"success_value,omitempty"`

	Timeout time.Duration `json:"timeout"`
}

// WithDefaults дозаполняет пустые поля значениями по умолчанию
func (s HealthCheckSpec) WithDefaults() HealthCheckSpec {
	if s.Transport == "" {
		s.Transport = TransportSocket
	}
	if len(s.RequestPayload) == 0 {
		s.RequestPayload = DefaultRequestPayload()
	}
	if s.SuccessKey == "" {
		s.SuccessKey = DefaultSuccessKey
	}
	if len(s.AcceptedValues) == 0 {
		s.AcceptedValues = append([]string(nil), DefaultAcceptedValues...)
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultProbeTimeout
	}
	return s
}

// Validate проверяет спецификацию при загрузке
func (s HealthCheckSpec) Validate() error {
	switch s.Transport {
	case TransportSocket, TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidSpec, s.Transport)
	}
	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("%w: empty health target", ErrInvalidSpec)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("%w: non-positive timeout for %s", ErrInvalidSpec, s.Target)
	}
	return nil
}

// HealthCheckResult — результат одной пробы. Создается заново и не мутирует.
type HealthCheckResult struct {
	Status      HealthStatus   `json:"status"`
	RawResponse map[string]any `json:"raw_response,omitempty"`
	Message     string         `json:"message,omitempty"`
	ObservedAt  time.Time      `json:"observed_at"`
	Latency     time.Duration  `json:"latency"`
}

func (r HealthCheckResult) Healthy() bool {
	return r.Status == HealthHealthy
}

// Err переводит не-HEALTHY результат в ошибку таксономии (nil для HEALTHY)
func (r HealthCheckResult) Err() error {
	switch r.Status {
	case HealthHealthy:
		return nil
	case HealthTimeout:
		return &ProbeError{Result: r, kind: ErrProbeTimeout}
	case HealthUnreachable:
		return &ProbeError{Result: r, kind: ErrProbeUnreachable}
	case HealthUnhealthy:
		return &ProbeError{Result: r, kind: ErrProbeUnhealthy}
	default:
		return &ProbeError{Result: r, kind: ErrProbeError}
	}
}

// NewResult — хелпер для транспорта
func NewResult(status HealthStatus, msg string, raw map[string]any) HealthCheckResult {
	return HealthCheckResult{
		Status:      status,
		RawResponse: raw,
		Message:     msg,
		ObservedAt:  time.Now(),
	}
}
