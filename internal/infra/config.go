package infra

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// Config — корневая структура конфигурации control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Health     HealthConfig     `mapstructure:"health"`
	Sequencer  SequencerConfig  `mapstructure:"sequencer"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// ServerConfig описывает admin API (HTTP) и gRPC health-сервер.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"` // 0 — не поднимать
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Глобальный лимит запросов к admin API (token bucket)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig описывает подключение к PostgreSQL (хранилище правил и журнал событий).
// Пустой URL — работаем без БД.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (twin-реестр, блоклист, сигналы).
// Пустой Addr — Redis не используется.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит ключ проверки JWT и хэш статического API-ключа оператора.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	APIKeyHash    string `mapstructure:"api_key_hash"` // bcrypt
	PublicKey     []byte `mapstructure:"-"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// HealthConfig — дефолты Health Check Engine.
type HealthConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Workers        int           `mapstructure:"workers"`         // Размер пула probeMany
	Ceiling        time.Duration `mapstructure:"ceiling"`         // Глобальный потолок probeMany
	AcceptedValues []string      `mapstructure:"accepted_values"` // Синонимы успеха
	SuccessKey     string        `mapstructure:"success_key"`
	HTTPPath       string        `mapstructure:"http_path"`
}

// SequencerConfig — запуск агентов.
type SequencerConfig struct {
	SettleInterval   time.Duration `mapstructure:"settle_interval"`
	HealthAttempts   uint          `mapstructure:"health_attempts"`
	HealthBaseDelay  time.Duration `mapstructure:"health_base_delay"`
	HealthMaxDelay   time.Duration `mapstructure:"health_max_delay"`
	LaunchAttempts   uint          `mapstructure:"launch_attempts"`
	LaunchBaseDelay  time.Duration `mapstructure:"launch_base_delay"`
	FoundationAgents []string      `mapstructure:"foundation_agents"` // Порядок фолбэка при цикле
}

// DiscoveryConfig — цепочка резолва.
// Hosts: name -> host[:port]; HostnameSuffix: DNS-имя как name+suffix; LegacyAddrs — req/resp реестры.
type DiscoveryConfig struct {
	CacheTTL          time.Duration     `mapstructure:"cache_ttl"`
	StepTimeout       time.Duration     `mapstructure:"step_timeout"`
	Hosts             map[string]string `mapstructure:"hosts"`
	HostnameSuffix    string            `mapstructure:"hostname_suffix"`
	DefaultProtocol   string            `mapstructure:"default_protocol"`
	MeshURL           string            `mapstructure:"mesh_url"`
	ValidateMesh      bool              `mapstructure:"validate_mesh"`
	LegacyAddrs       []string          `mapstructure:"legacy_addrs"`
	TwinNamespace     string            `mapstructure:"twin_namespace"`
	TwinTTL           time.Duration     `mapstructure:"twin_ttl"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	BreakerFailures   uint32            `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration     `mapstructure:"breaker_timeout"`
}

// AdmissionConfig — статические правила движка доступа.
type AdmissionConfig struct {
	Blacklist    []string               `mapstructure:"blacklist"`
	Whitelist    []string               `mapstructure:"whitelist"`
	RateLimits   []domain.RateLimitSpec `mapstructure:"rate_limits"`
	Rules        []domain.AccessRule    `mapstructure:"rules"`
	EventsBuffer int                    `mapstructure:"events_buffer"`
	// Сколько событий держать в очереди журнала до сброса в БД
	JournalBuffer        int           `mapstructure:"journal_buffer"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`
}

// SupervisorConfig — интервалы фонового цикла.
type SupervisorConfig struct {
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"` // Очистка правил и сброс burst
	RestartOnRegression bool          `mapstructure:"restart_on_regression"`
	RestartAttempts     uint          `mapstructure:"restart_attempts"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым — тогда ищем config.yaml в стандартных местах.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: CONTROLPLANE_SERVER_PORT=9000 перекроет server.port
	v.SetEnvPrefix("CONTROLPLANE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Публичный ключ: сначала ENV (Docker/K8s), потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "CONTROLPLANE_AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

// decodeHooks добавляет к стандартным хукам viper разбор RFC3339 (expires_at у правил)
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.requests_per_second", 200.0)
	v.SetDefault("server.burst", 50)

	// Ключи без дефолта не видны AutomaticEnv при Unmarshal
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("discovery.mesh_url", "")
	v.SetDefault("discovery.hostname_suffix", "")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.workers", 8)
	v.SetDefault("health.ceiling", 30*time.Second)
	v.SetDefault("health.accepted_values", domain.DefaultAcceptedValues)
	v.SetDefault("health.success_key", domain.DefaultSuccessKey)
	v.SetDefault("health.http_path", domain.DefaultHealthPath)

	v.SetDefault("sequencer.settle_interval", 2*time.Second)
	v.SetDefault("sequencer.health_attempts", 5)
	v.SetDefault("sequencer.health_base_delay", 1*time.Second)
	v.SetDefault("sequencer.health_max_delay", 15*time.Second)
	v.SetDefault("sequencer.launch_attempts", 3)
	v.SetDefault("sequencer.launch_base_delay", 500*time.Millisecond)
	v.SetDefault("sequencer.foundation_agents", []string{"registry", "memory", "orchestrator"})

	v.SetDefault("discovery.cache_ttl", 30*time.Second)
	v.SetDefault("discovery.step_timeout", 2*time.Second)
	v.SetDefault("discovery.default_protocol", "tcp")
	v.SetDefault("discovery.validate_mesh", true)
	v.SetDefault("discovery.twin_namespace", RedisNamespace)
	v.SetDefault("discovery.twin_ttl", 2*time.Minute)
	v.SetDefault("discovery.requests_per_second", 50.0)
	v.SetDefault("discovery.breaker_failures", 5)
	v.SetDefault("discovery.breaker_timeout", 30*time.Second)

	v.SetDefault("admission.events_buffer", 10000)
	v.SetDefault("admission.journal_buffer", 10000)
	v.SetDefault("admission.journal_flush_interval", 1*time.Second)

	v.SetDefault("supervisor.check_interval", 15*time.Second)
	v.SetDefault("supervisor.maintenance_interval", 5*time.Minute)
	v.SetDefault("supervisor.restart_on_regression", false)
	v.SetDefault("supervisor.restart_attempts", 3)
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
