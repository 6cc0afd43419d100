package config

import (
	"time"

	"github.com/praxis/praxis-identity/internal/tracing"
	"github.com/praxis/praxis-identity/pkg/utils"
)

// AppConfig is the main configuration structure for the identity service
type AppConfig struct {
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	Network  NetworkConfig  `yaml:"network" json:"network"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Tracing  tracing.Config `yaml:"tracing" json:"tracing"`
	Logging  LogConfig      `yaml:"logging" json:"logging"`
}

// HTTPConfig contains the HTTP listener configuration
type HTTPConfig struct {
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	EnableFeed  bool     `yaml:"enable_events" json:"enable_events"`
}

// NetworkConfig names the blockchain network preset plus optional overrides.
type NetworkConfig struct {
	Name     string `yaml:"name" json:"name"`
	RPCURL   string `yaml:"rpc_url" json:"rpc_url"`
	Registry string `yaml:"registry" json:"registry"`
	// ProbeTimeout bounds the registry probe at startup.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// AgentConfig configures the local identity agent and its keystore.
type AgentConfig struct {
	Name          string `yaml:"name" json:"name"`
	SigningSecret string `yaml:"signing_secret" json:"-"`
	// KeyFile persists sealed keys; empty keeps them in memory.
	KeyFile string `yaml:"key_file" json:"key_file"`
}

// StoreConfig selects the entity store backend.
type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	DatabaseURL   string `yaml:"database_url" json:"-"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
}

// ResolverConfig tunes DID resolution.
type ResolverConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	AllowInsecureWeb bool          `yaml:"allow_insecure_web" json:"allow_insecure_web"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// LogConfig contains logging configuration
type LogConfig = utils.LogConfig

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		HTTP: HTTPConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
			EnableFeed:  true,
		},
		Network: NetworkConfig{
			Name:         "sepolia",
			ProbeTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Name: "praxis-identity",
		},
		Store: StoreConfig{
			Backend:     "memory",
			RedisPrefix: "praxis",
		},
		Resolver: ResolverConfig{
			CacheTTL: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			ServiceName: "praxis-identity",
		},
		Logging: utils.DefaultLogConfig(),
	}
}
