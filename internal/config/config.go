package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
	"github.com/praxis/praxis-identity/pkg/utils"
)

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(path string, logger *logrus.Logger) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("Configuration file %s not found, using defaults", path)
		// Still apply environment overrides even with defaults
		applyEnvironmentOverrides(config, logger)
		if err := validateConfig(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the configuration
	configString := utils.ExpandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	applyEnvironmentOverrides(config, logger)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *AppConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EffectiveNetwork resolves the configured network through the presets. An
// unknown name degrades to the default network.
func (c *AppConfig) EffectiveNetwork() network.Config {
	return network.Resolve(c.Network.Name, c.Network.RPCURL, c.Network.Registry)
}

// StoreOptions maps the store section onto store.Options.
func (c *AppConfig) StoreOptions() store.Options {
	return store.Options{
		Backend:     c.Store.Backend,
		DatabaseURL: c.Store.DatabaseURL,
		Redis: store.RedisOptions{
			Addr:     c.Store.RedisAddr,
			Password: c.Store.RedisPassword,
			DB:       c.Store.RedisDB,
			Prefix:   c.Store.RedisPrefix,
		},
	}
}

// validateConfig checks if the configuration is valid
func validateConfig(config *AppConfig) error {
	if config.HTTP.Port <= 0 || config.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", config.HTTP.Port)
	}

	if config.Agent.SigningSecret == "" {
		return fmt.Errorf("agent.signing_secret cannot be empty")
	}

	if config.Network.Registry != "" && !common.IsHexAddress(config.Network.Registry) {
		return fmt.Errorf("network.registry %q is not a 20-byte hex address", config.Network.Registry)
	}

	switch config.Store.Backend {
	case "", store.BackendMemory:
	case store.BackendPostgres:
		if config.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres backend")
		}
	case store.BackendRedis:
		if config.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'memory', 'postgres' or 'redis', got '%s'", config.Store.Backend)
	}

	if config.Tracing.Enabled && config.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	if config.Resolver.CacheTTL < 0 {
		config.Resolver.CacheTTL = -1
	}

	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func applyEnvironmentOverrides(config *AppConfig, logger *logrus.Logger) {
	// HTTP overrides
	if host := os.Getenv("HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err != nil {
			logger.Warnf("Invalid HTTP_PORT: %s", portStr)
		} else {
			config.HTTP.Port = port
		}
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		config.HTTP.CORSOrigins = splitList(origins)
	}
	config.HTTP.EnableFeed = utils.BoolFromEnv("EVENTS_ENABLED", config.HTTP.EnableFeed)

	// Network overrides
	config.Network.Name = utils.GetEnv("NETWORK_NAME", config.Network.Name)
	config.Network.RPCURL = utils.GetEnv("RPC_URL", config.Network.RPCURL)
	config.Network.Registry = utils.GetEnv("REGISTRY_ADDRESS", config.Network.Registry)

	// Agent overrides
	config.Agent.Name = utils.GetEnv("AGENT_NAME", config.Agent.Name)
	config.Agent.SigningSecret = utils.GetEnv("SIGNING_SECRET", config.Agent.SigningSecret)
	config.Agent.KeyFile = utils.GetEnv("KEY_FILE", config.Agent.KeyFile)

	// Store overrides
	config.Store.Backend = utils.GetEnv("STORE_BACKEND", config.Store.Backend)
	config.Store.DatabaseURL = utils.GetEnv("DATABASE_URL", config.Store.DatabaseURL)
	config.Store.RedisAddr = utils.GetEnv("REDIS_ADDR", config.Store.RedisAddr)
	config.Store.RedisPassword = utils.GetEnv("REDIS_PASSWORD", config.Store.RedisPassword)
	if db := os.Getenv("REDIS_DB"); db != "" {
		if v, err := strconv.Atoi(db); err != nil {
			logger.Warnf("Invalid REDIS_DB: %s", db)
		} else {
			config.Store.RedisDB = v
		}
	}

	// Resolver overrides
	if ttl := os.Getenv("DID_CACHE_TTL"); ttl != "" {
		if v, err := time.ParseDuration(ttl); err != nil {
			logger.Warnf("Invalid DID_CACHE_TTL: %s", ttl)
		} else {
			config.Resolver.CacheTTL = v
		}
	}
	config.Resolver.AllowInsecureWeb = utils.BoolFromEnv("DID_WEB_ALLOW_INSECURE", config.Resolver.AllowInsecureWeb)

	// Metrics overrides
	config.Metrics.Enabled = utils.BoolFromEnv("METRICS_ENABLED", config.Metrics.Enabled)

	// Tracing overrides
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		config.Tracing.Endpoint = endpoint
		config.Tracing.Enabled = true
	}
	config.Tracing.Enabled = utils.BoolFromEnv("TRACING_ENABLED", config.Tracing.Enabled)

	// Logging overrides
	config.Logging.Level = utils.GetEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = utils.GetEnv("LOG_FORMAT", config.Logging.Format)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
