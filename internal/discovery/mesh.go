package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// meshAgent — запись агента в HTTP mesh-реестре
type meshAgent struct {
	Action          string            `json:"action,omitempty"`
	AgentID         string            `json:"agent_id"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	HealthCheckPort int               `json:"health_check_port,omitempty"`
	Protocol        string            `json:"protocol,omitempty"`
	Capabilities    []string          `json:"capabilities"`
	Metadata        map[string]string `json:"metadata"`
}

type meshReply struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Agent  *meshAgent `json:"agent,omitempty"`
}

// MeshRegistry — основной (primary) реестр:
//
//	POST {base}/register   {"action":"register_agent","agent_id":...}
//	POST {base}/unregister {"action":"unregister_agent","agent_id":...}
//	GET  {base}/agents/{name}
type MeshRegistry struct {
	base   string
	client *http.Client
}

func NewMeshRegistry(baseURL string, client *http.Client) *MeshRegistry {
	if client == nil {
		client = &http.Client{}
	}
	return &MeshRegistry{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (m *MeshRegistry) Name() string { return StrategyMesh }

func (m *MeshRegistry) Resolve(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/agents/"+url.PathEscape(name), nil)
	if err != nil {
		return domain.ServiceEndpoint{}, fmt.Errorf("mesh: build request: %w", err)
	}

	var reply meshReply
	status, err := m.do(req, &reply)
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}
	if status == http.StatusNotFound || reply.Agent == nil {
		return domain.ServiceEndpoint{}, fmt.Errorf("mesh: %s: %w", name, domain.ErrNotFound)
	}
	if !successStatus(reply.Status) {
		return domain.ServiceEndpoint{}, fmt.Errorf("mesh: lookup %s: status %q %s", name, reply.Status, reply.Error)
	}

	a := reply.Agent
	return domain.ServiceEndpoint{
		Name:         name,
		Host:         a.Host,
		Port:         a.Port,
		HealthPort:   a.HealthCheckPort,
		Protocol:     a.Protocol,
		IsHealthy:    true,
		Capabilities: a.Capabilities,
		Metadata:     a.Metadata,
	}, nil
}

func (m *MeshRegistry) Register(ctx context.Context, ep domain.ServiceEndpoint) error {
	return m.post(ctx, "/register", meshAgent{
		Action:          "register_agent",
		AgentID:         ep.Name,
		Host:            ep.Host,
		Port:            ep.Port,
		HealthCheckPort: ep.HealthPort,
		Protocol:        ep.Protocol,
		Capabilities:    nonNil(ep.Capabilities),
		Metadata:        ep.Metadata,
	})
}

func (m *MeshRegistry) Unregister(ctx context.Context, name string) error {
	return m.post(ctx, "/unregister", meshAgent{Action: "unregister_agent", AgentID: name})
}

func (m *MeshRegistry) post(ctx context.Context, path string, body meshAgent) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mesh: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mesh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var reply meshReply
	status, err := m.do(req, &reply)
	if err != nil {
		return err
	}
	if status/100 != 2 || !successStatus(reply.Status) {
		return fmt.Errorf("mesh: %s %s rejected: http %d, status %q %s", path, body.AgentID, status, reply.Status, reply.Error)
	}
	return nil
}

func (m *MeshRegistry) do(req *http.Request, out *meshReply) (int, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mesh: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("mesh: read reply: %w", err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil && resp.StatusCode != http.StatusNotFound {
			return resp.StatusCode, fmt.Errorf("mesh: decode reply: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// successStatus принимает оба диалекта: "success" и "SUCCESS"
func successStatus(s string) bool {
	return strings.EqualFold(s, "success")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
