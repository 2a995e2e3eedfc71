package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lioneltay/claude-pilot/application/transform"
	"github.com/lioneltay/claude-pilot/domain/routing"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Backend        BackendConfig        `yaml:"backend"`
	Routing        RoutingConfig        `yaml:"routing"`
	Search         SearchConfig         `yaml:"search"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        string   `yaml:"port"`
	CorsOrigins []string `yaml:"cors_origins"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// TokenURL, when set, exchanges APIKey for short-lived bearer tokens.
	TokenURL        string                    `yaml:"token_url"`
	Timeout         time.Duration             `yaml:"timeout"`
	MaxRetries      int                       `yaml:"max_retries"`
	InitiatorHeader string                    `yaml:"initiator_header"`
	ModelFamilies   []transform.FamilyMapping `yaml:"model_families"`
	UtilityModel    string                    `yaml:"utility_model"`
}

type RoutingConfig struct {
	StubSuggestions bool                      `yaml:"stub_suggestions"`
	Sentinels       routing.SentinelOverrides `yaml:"sentinels"`
}

type SearchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Command       []string      `yaml:"command"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerMinute float64       `yaml:"rate_per_minute"`
	CacheSize     int           `yaml:"cache_size"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	Driver            string `yaml:"driver"`
	URL               string `yaml:"url"`
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Name              string `yaml:"name"`
	SSLMode           string `yaml:"ssl_mode"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	config = applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        "8080",
			CorsOrigins: []string{"*"},
		},
		Backend: BackendConfig{
			BaseURL:         "https://api.githubcopilot.com",
			Timeout:         5 * time.Minute,
			MaxRetries:      3,
			InitiatorHeader: "X-Initiator",
			ModelFamilies:   transform.DefaultFamilies(),
		},
		Routing: RoutingConfig{
			StubSuggestions: true,
		},
		Search: SearchConfig{
			Enabled:       false,
			Timeout:       60 * time.Second,
			RatePerMinute: 30,
			CacheSize:     256,
		},
		Database: DatabaseConfig{
			EnablePersistence: false,
			Driver:            "sqlite",
			Host:              "localhost",
			Port:              "5432",
			User:              "claude-pilot",
			Name:              "claude-pilot",
			SSLMode:           "disable",
			Workers:           5,
			BufferSize:        1000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			MaxRequests:      3,
		},
	}
}

func splitList(val, sep string) []string {
	parts := strings.Split(val, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = splitList(val, ",")
	}

	// Backend overrides
	if val := os.Getenv("BACKEND_BASE_URL"); val != "" {
		config.Backend.BaseURL = val
	}
	if val := os.Getenv("BACKEND_API_KEY"); val != "" {
		config.Backend.APIKey = val
	}
	if val := os.Getenv("BACKEND_TOKEN_URL"); val != "" {
		config.Backend.TokenURL = val
	}
	if val := os.Getenv("BACKEND_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Backend.Timeout = d
		}
	}
	if val := os.Getenv("BACKEND_INITIATOR_HEADER"); val != "" {
		config.Backend.InitiatorHeader = val
	}
	if val := os.Getenv("UTILITY_MODEL"); val != "" {
		config.Backend.UtilityModel = val
	}

	// Routing overrides
	if val := os.Getenv("STUB_SUGGESTIONS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Routing.StubSuggestions = b
		}
	}

	// Search overrides
	if val := os.Getenv("SEARCH_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Search.Enabled = b
		}
	}
	if val := os.Getenv("SEARCH_COMMAND"); val != "" {
		config.Search.Command = strings.Fields(val)
	}
	if val := os.Getenv("SEARCH_RATE_PER_MINUTE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Search.RatePerMinute = f
		}
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_DRIVER"); val != "" {
		config.Database.Driver = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if _, err := strconv.Atoi(config.Server.Port); err != nil {
		errors = append(errors, fmt.Sprintf("PORT must be numeric (current: %q)", config.Server.Port))
	}

	if !validURL(config.Backend.BaseURL) {
		errors = append(errors, fmt.Sprintf("BACKEND_BASE_URL must be an http(s) URL (current: %q)", config.Backend.BaseURL))
	}
	if config.Backend.APIKey == "" {
		errors = append(errors, "BACKEND_API_KEY is required")
	}
	if config.Backend.TokenURL != "" && !validURL(config.Backend.TokenURL) {
		errors = append(errors, fmt.Sprintf("BACKEND_TOKEN_URL must be an http(s) URL (current: %q)", config.Backend.TokenURL))
	}
	for i, family := range config.Backend.ModelFamilies {
		if strings.TrimSpace(family.Token) == "" || family.Target == "" {
			errors = append(errors, fmt.Sprintf("backend.model_families[%d] needs both token and target", i))
		}
	}

	if _, err := config.Routing.Sentinels.Apply(routing.DefaultSentinels()); err != nil {
		errors = append(errors, fmt.Sprintf("routing.sentinels: %v", err))
	}

	if config.Search.Enabled {
		if len(config.Search.Command) == 0 {
			errors = append(errors, "SEARCH_COMMAND is required when search is enabled")
		}
		if config.Search.RatePerMinute <= 0 {
			errors = append(errors, fmt.Sprintf("SEARCH_RATE_PER_MINUTE must be positive (current: %.2f)", config.Search.RatePerMinute))
		}
	}

	if config.Database.EnablePersistence {
		switch strings.ToLower(config.Database.Driver) {
		case "postgres", "postgresql", "sqlite", "sqlite3":
		default:
			errors = append(errors, fmt.Sprintf("DATABASE_DRIVER must be postgres or sqlite (current: %q)", config.Database.Driver))
		}
	}

	switch strings.ToLower(config.Logging.Format) {
	case "", "auto", "json", "text":
	default:
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be auto, json or text (current: %q)", config.Logging.Format))
	}
	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL is invalid (current: %q)", config.Logging.Level))
	}

	if config.CircuitBreaker.Enabled && config.CircuitBreaker.FailureThreshold == 0 {
		errors = append(errors, "CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// Sentinels returns the classifier markers with any configured overrides applied
func (c *Config) Sentinels() (routing.Sentinels, error) {
	return c.Routing.Sentinels.Apply(routing.DefaultSentinels())
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	if strings.HasPrefix(strings.ToLower(c.Database.Driver), "sqlite") {
		return c.Database.Name + ".db"
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Load reads config.yaml from the working directory
func Load() (*Config, error) {
	return LoadYAML("")
}
