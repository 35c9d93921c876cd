package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// legacyRecord — диалект старого request/response реестра (ip вместо host, name вместо agent_id)
type legacyRecord struct {
	Action          string            `json:"action"`
	Name            string            `json:"name"`
	IP              string            `json:"ip,omitempty"`
	Port            int               `json:"port,omitempty"`
	HealthCheckPort int               `json:"health_check_port,omitempty"`
	Protocol        string            `json:"protocol,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type legacyReply struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Service *legacyRecord `json:"service,omitempty"`
}

// LegacyRegistry — реестр по TCP: одна JSON-строка запроса, одна строка ответа.
// Действия REGISTER, UNREGISTER, DISCOVER; ответ {"status":"SUCCESS"|"NOT_FOUND"|"ERROR"}.
type LegacyRegistry struct {
	addr   string
	dialer net.Dialer
}

func NewLegacyRegistry(addr string) *LegacyRegistry {
	return &LegacyRegistry{addr: addr}
}

func (l *LegacyRegistry) Name() string { return StrategyLegacy + "@" + l.addr }

func (l *LegacyRegistry) Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	reply, err := l.roundTrip(ctx, legacyRecord{Action: "DISCOVER", Name: name})
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}
	if strings.EqualFold(reply.Status, "NOT_FOUND") || (successStatus(reply.Status) && reply.Service == nil) {
		return domain.ServiceEndpoint{}, fmt.Errorf("legacy %s: %s: %w", l.addr, name, domain.ErrNotFound)
	}
	if !successStatus(reply.Status) {
		return domain.ServiceEndpoint{}, fmt.Errorf("legacy %s: discover %s: %s %s", l.addr, name, reply.Status, reply.Message)
	}

	s := reply.Service
	return domain.ServiceEndpoint{
		Name:         name,
		Host:         s.IP,
		Port:         s.Port,
		HealthPort:   s.HealthCheckPort,
		Protocol:     s.Protocol,
		IsHealthy:    true,
		Capabilities: s.Capabilities,
		Metadata:     s.Metadata,
	}, nil
}

func (l *LegacyRegistry) Register(ctx context.Context, ep domain.ServiceEndpoint) error {
	return l.expectSuccess(ctx, legacyRecord{
		Action:          "REGISTER",
		Name:            ep.Name,
		IP:              ep.Host,
		Port:            ep.Port,
		HealthCheckPort: ep.HealthPort,
		Protocol:        ep.Protocol,
		Capabilities:    ep.Capabilities,
		Metadata:        ep.Metadata,
	})
}

func (l *LegacyRegistry) Unregister(ctx context.Context, name string) error {
	return l.expectSuccess(ctx, legacyRecord{Action: "UNREGISTER", Name: name})
}

func (l *LegacyRegistry) expectSuccess(ctx context.Context, req legacyRecord) error {
	reply, err := l.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if !successStatus(reply.Status) {
		return fmt.Errorf("legacy %s: %s %s: %s %s", l.addr, req.Action, req.Name, reply.Status, reply.Message)
	}
	return nil
}

func (l *LegacyRegistry) roundTrip(ctx context.Context, req legacyRecord) (legacyReply, error) {
	var reply legacyReply

	conn, err := l.dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return reply, fmt.Errorf("legacy %s: dial: %w", l.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("legacy %s: encode: %w", l.addr, err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return reply, fmt.Errorf("legacy %s: write: %w", l.addr, err)
	}

	line, err := bufio.NewReader(io.LimitReader(conn, 1<<20)).ReadBytes('\n')
	if err != nil && !(err == io.EOF && len(line) > 0) {
		return reply, fmt.Errorf("legacy %s: read: %w", l.addr, err)
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		return reply, fmt.Errorf("legacy %s: decode: %w", l.addr, err)
	}
	return reply, nil
}
