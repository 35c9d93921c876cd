package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Metrics — все коллекторы control plane. Реализует Observer-интерфейсы
// health, sequencer, discovery, admission и supervisor.
type Metrics struct {
	// Latency: длительность health-проб по транспорту
	ProbeDuration *prometheus.HistogramVec

	// Traffic: пробы по итоговому статусу
	ProbeTotal *prometheus.CounterVec

	// Терминальные статусы агентов после секвенсора
	AgentLaunchStatus *prometheus.CounterVec

	// Текущее здоровье агента по данным супервизора (1 - HEALTHY)
	AgentHealthy *prometheus.GaugeVec
	Regressions  *prometheus.CounterVec
	Restarts     *prometheus.CounterVec

	// Discovery
	ResolveTotal      *prometheus.CounterVec
	RegistrationTotal *prometheus.CounterVec

	// Admission
	DecisionTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера журнала (backpressure)
	JournalBufferFill prometheus.Gauge
	JournalDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_probe_duration_seconds",
			Help:    "Histogram of health probe latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"transport"}),

		ProbeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_probes_total",
			Help: "Total number of health probes by outcome.",
		}, []string{"transport", "status"}),

		AgentLaunchStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_agent_launch_total",
			Help: "Terminal agent statuses reported by the sequencer.",
		}, []string{"agent", "status"}),

		AgentHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_agent_healthy",
			Help: "Last observed agent health (1=healthy, 0=otherwise).",
		}, []string{"agent"}),

		Regressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_agent_regressions_total",
			Help: "HEALTHY to non-HEALTHY transitions seen by the supervisor.",
		}, []string{"agent", "status"}),

		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_agent_restarts_total",
			Help: "Restart attempts made by the supervisor.",
		}, []string{"agent", "result"}),

		ResolveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_discovery_resolve_total",
			Help: "Resolution attempts by strategy and outcome.",
		}, []string{"strategy", "result"}),

		RegistrationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_discovery_registration_total",
			Help: "Registry writes by registry and outcome.",
		}, []string{"registry", "result"}),

		DecisionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_admission_decisions_total",
			Help: "Admission decisions by action and reason.",
		}, []string{"action", "reason"}), // reason: ip_blacklisted, rate_limit_exceeded, rule_matched, default

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"guard"}),

		JournalBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_journal_buffer_utilization",
			Help: "Current number of security events waiting in the journal buffer.",
		}),

		JournalDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_journal_dropped_total",
			Help: "Security events dropped because the journal buffer was full.",
		}),
	}
}

// health.Observer
func (m *Metrics) ObserveProbe(transport domain.Transport, status domain.HealthStatus, latency time.Duration) {
	m.ProbeDuration.WithLabelValues(string(transport)).Observe(latency.Seconds())
	m.ProbeTotal.WithLabelValues(string(transport), string(status)).Inc()
}

// sequencer.Observer
func (m *Metrics) ObserveAgentStatus(name string, status domain.AgentStatus) {
	m.AgentLaunchStatus.WithLabelValues(name, string(status)).Inc()
	m.AgentHealthy.WithLabelValues(name).Set(boolGauge(status == domain.AgentHealthy))
}

// supervisor.Observer
func (m *Metrics) ObserveAgentHealth(name string, status domain.HealthStatus, regressed bool) {
	m.AgentHealthy.WithLabelValues(name).Set(boolGauge(status == domain.HealthHealthy))
	if regressed {
		m.Regressions.WithLabelValues(name, string(status)).Inc()
	}
}

func (m *Metrics) ObserveRestart(name string, err error) {
	m.Restarts.WithLabelValues(name, result(err)).Inc()
}

// discovery.Observer
func (m *Metrics) ObserveResolve(strategy string, found bool) {
	res := "miss"
	if found {
		res = "hit"
	}
	m.ResolveTotal.WithLabelValues(strategy, res).Inc()
}

func (m *Metrics) ObserveRegistration(registry string, err error) {
	m.RegistrationTotal.WithLabelValues(registry, result(err)).Inc()
}

// admission.Observer
func (m *Metrics) ObserveDecision(action domain.Action, reason string) {
	m.DecisionTotal.WithLabelValues(string(action), reason).Inc()
}

// BreakerChanged подходит для reliability.GuardSettings.OnStateChange
func (m *Metrics) BreakerChanged(name string, open bool) {
	m.CircuitBreakerState.WithLabelValues(name).Set(boolGauge(open))
}

// audit.Observer
func (m *Metrics) ObserveJournal(queued int, dropped bool) {
	m.JournalBufferFill.Set(float64(queued))
	if dropped {
		m.JournalDropped.Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
