package infra

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Файл описывает загрузку графа агентов:
//
//	sections:
//	  core:
//	    - name: registry
//	      host: 10.0.0.5
//	      port: 7000
//	      required: true
//	  speech:
//	    - name: tts
//	      port: 7100
//	      dependencies: [registry]
//	      health:
//	        transport: http
//	        path: /ready

// AgentEntry — элемент секции графа: дескриптор плюс необязательный блок health
type AgentEntry struct {
	domain.AgentDescriptor `mapstructure:",squash"`
	Health                 *HealthOverride `mapstructure:"health"`
}

// HealthOverride — per-agent переопределение проверки здоровья
type HealthOverride struct {
	Transport      string         `mapstructure:"transport"`
	Target         string         `mapstructure:"target"`
	Path           string         `mapstructure:"path"`
	RequestPayload map[string]any `mapstructure:"request_payload"`
	SuccessKey     string         `mapstructure:"success_key"`
	AcceptedValues []string       `mapstructure:"accepted_values"`
	ExactMatch     string         `mapstructure:"exact_match"`
	SuccessValue   any            `mapstructure:"success_value"`
	Timeout        time.Duration  `mapstructure:"timeout"`
}

// AgentGraph — плоская карта name -> дескриптор после слияния всех секций
type AgentGraph map[string]domain.AgentDescriptor

// Names возвращает имена агентов в алфавитном порядке
func (g AgentGraph) Names() []string {
	names := make([]string, 0, len(g))
	for n := range g {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List — дескрипторы в порядке Names()
func (g AgentGraph) List() []domain.AgentDescriptor {
	out := make([]domain.AgentDescriptor, 0, len(g))
	for _, n := range g.Names() {
		out = append(out, g[n])
	}
	return out
}

// LoadAgentGraph читает файл графа, сплющивает секции и выводит HealthCheckSpec каждого агента
func LoadAgentGraph(path string, hc HealthConfig) (AgentGraph, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("agent graph: read %s: %w", path, err)
	}

	var sections map[string][]AgentEntry
	if err := v.UnmarshalKey("sections", &sections, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("agent graph: decode: %w", err)
	}
	return BuildAgentGraph(sections, hc)
}

// BuildAgentGraph — та же сборка без файла (тесты, API)
func BuildAgentGraph(sections map[string][]AgentEntry, hc HealthConfig) (AgentGraph, error) {
	// Секции обходим по имени, чтобы ошибки дублей были воспроизводимыми
	names := make([]string, 0, len(sections))
	for s := range sections {
		names = append(names, s)
	}
	sort.Strings(names)

	graph := make(AgentGraph)
	for _, section := range names {
		for _, entry := range sections[section] {
			agent := entry.AgentDescriptor
			agent.Section = section
			if agent.Host == "" {
				agent.Host = "localhost"
			}
			if prev, dup := graph[agent.Name]; dup {
				return nil, fmt.Errorf("%w: agent %s declared in sections %s and %s",
					domain.ErrInvalidSpec, agent.Name, prev.Section, section)
			}
			if err := agent.Validate(); err != nil {
				return nil, err
			}

			spec, err := deriveHealthSpec(agent, entry.Health, hc)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", agent.Name, err)
			}
			agent.Health = spec
			graph[agent.Name] = agent
		}
	}
	return graph, nil
}

// deriveHealthSpec строит проверку по умолчанию (health_port агента) и накладывает per-agent оверрайд
func deriveHealthSpec(agent domain.AgentDescriptor, o *HealthOverride, hc HealthConfig) (domain.HealthCheckSpec, error) {
	spec := domain.HealthCheckSpec{
		Transport:      domain.TransportSocket,
		SuccessKey:     hc.SuccessKey,
		AcceptedValues: append([]string(nil), hc.AcceptedValues...),
		Timeout:        hc.Timeout,
	}
	path := hc.HTTPPath

	if o != nil {
		t, err := domain.ParseTransport(o.Transport)
		if err != nil {
			return spec, err
		}
		spec.Transport = t
		spec.Target = o.Target
		spec.RequestPayload = o.RequestPayload
		spec.ExactMatch = o.ExactMatch
		spec.SuccessValue = o.SuccessValue
		if o.SuccessKey != "" {
			spec.SuccessKey = o.SuccessKey
		}
		if len(o.AcceptedValues) > 0 {
			spec.AcceptedValues = o.AcceptedValues
		}
		if o.Timeout > 0 {
			spec.Timeout = o.Timeout
		}
		if o.Path != "" {
			path = o.Path
		}
	}

	if spec.Target == "" {
		hostPort := net.JoinHostPort(agent.Host, strconv.Itoa(agent.EffectiveHealthPort()))
		switch spec.Transport {
		case domain.TransportHTTP:
			if path == "" {
				path = domain.DefaultHealthPath
			}
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			spec.Target = "http://" + hostPort + path
		default:
			spec.Target = hostPort
		}
	}

	spec = spec.WithDefaults()
	return spec, spec.Validate()
}
