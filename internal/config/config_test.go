package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lioneltay/claude-pilot/application/transform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT", "CORS_ORIGINS",
		"BACKEND_BASE_URL", "BACKEND_API_KEY", "BACKEND_TOKEN_URL", "BACKEND_TIMEOUT",
		"BACKEND_INITIATOR_HEADER", "UTILITY_MODEL", "STUB_SUGGESTIONS",
		"SEARCH_ENABLED", "SEARCH_COMMAND", "SEARCH_RATE_PER_MINUTE",
		"ENABLE_PERSISTENCE", "DATABASE_DRIVER", "DATABASE_URL", "DATABASE_HOST",
		"DATABASE_PORT", "DATABASE_USER", "DATABASE_PASSWORD", "DATABASE_NAME", "DATABASE_SSL_MODE",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_REPORT_CALLER",
		"CIRCUIT_BREAKER_ENABLED", "CIRCUIT_BREAKER_FAILURE_THRESHOLD",
		"CIRCUIT_BREAKER_TIMEOUT", "CIRCUIT_BREAKER_MAX_REQUESTS",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_API_KEY", "test-api-key")

	config, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, []string{"*"}, config.Server.CorsOrigins)
	assert.Equal(t, "test-api-key", config.Backend.APIKey)
	assert.Equal(t, "https://api.githubcopilot.com", config.Backend.BaseURL)
	assert.Equal(t, "X-Initiator", config.Backend.InitiatorHeader)
	assert.Equal(t, 5*time.Minute, config.Backend.Timeout)
	assert.NotEmpty(t, config.Backend.ModelFamilies)
	assert.True(t, config.Routing.StubSuggestions)
	assert.False(t, config.Search.Enabled)
	assert.False(t, config.Database.EnablePersistence)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.CircuitBreaker.Enabled)
	assert.Equal(t, uint32(5), config.CircuitBreaker.FailureThreshold)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	envVars := map[string]string{
		"PORT":                              "3000",
		"HOST":                              "0.0.0.0",
		"CORS_ORIGINS":                      "https://example.com, https://test.com,   https://dev.com",
		"BACKEND_BASE_URL":                  "https://backend.example.com",
		"BACKEND_API_KEY":                   "custom-key",
		"BACKEND_TOKEN_URL":                 "https://auth.example.com/token",
		"BACKEND_TIMEOUT":                   "90s",
		"UTILITY_MODEL":                     "gpt-4o-mini",
		"STUB_SUGGESTIONS":                  "false",
		"SEARCH_ENABLED":                    "true",
		"SEARCH_COMMAND":                    "websearch --json {query}",
		"SEARCH_RATE_PER_MINUTE":            "12",
		"ENABLE_PERSISTENCE":                "true",
		"DATABASE_DRIVER":                   "postgres",
		"DATABASE_HOST":                     "db",
		"LOG_LEVEL":                         "debug",
		"LOG_FORMAT":                        "json",
		"CIRCUIT_BREAKER_ENABLED":           "false",
		"CIRCUIT_BREAKER_FAILURE_THRESHOLD": "9",
		"CIRCUIT_BREAKER_TIMEOUT":           "15s",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	config, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "3000", config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, []string{"https://example.com", "https://test.com", "https://dev.com"}, config.Server.CorsOrigins)
	assert.Equal(t, "https://backend.example.com", config.Backend.BaseURL)
	assert.Equal(t, "custom-key", config.Backend.APIKey)
	assert.Equal(t, "https://auth.example.com/token", config.Backend.TokenURL)
	assert.Equal(t, 90*time.Second, config.Backend.Timeout)
	assert.Equal(t, "gpt-4o-mini", config.Backend.UtilityModel)
	assert.False(t, config.Routing.StubSuggestions)
	assert.True(t, config.Search.Enabled)
	assert.Equal(t, []string{"websearch", "--json", "{query}"}, config.Search.Command)
	assert.Equal(t, 12.0, config.Search.RatePerMinute)
	assert.True(t, config.Database.EnablePersistence)
	assert.Equal(t, "postgres", config.Database.Driver)
	assert.Equal(t, "db", config.Database.Host)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.False(t, config.CircuitBreaker.Enabled)
	assert.Equal(t, uint32(9), config.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, config.CircuitBreaker.Timeout)
}

func TestLoadYAML_FileWithExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_BACKEND_KEY", "from-env")

	path := writeConfig(t, `
server:
  port: "9090"
backend:
  base_url: https://models.example.com
  api_key: ${TEST_BACKEND_KEY}
  timeout: 2m
  model_families:
    - token: opus
      target: gpt-4.1
routing:
  stub_suggestions: false
  sentinels:
    suggestion: "[SUGGEST]"
search:
  enabled: true
  command: ["search-cli", "{query}"]
database:
  enable_persistence: true
  driver: sqlite
  url: /tmp/pilot.db
`)

	config, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", config.Server.Port)
	assert.Equal(t, "from-env", config.Backend.APIKey)
	assert.Equal(t, 2*time.Minute, config.Backend.Timeout)
	require.Len(t, config.Backend.ModelFamilies, 1)
	assert.Equal(t, "gpt-4.1", config.Backend.ModelFamilies[0].Target)
	assert.False(t, config.Routing.StubSuggestions)
	assert.Equal(t, []string{"search-cli", "{query}"}, config.Search.Command)
	// defaults survive for keys the file leaves out
	assert.Equal(t, 30.0, config.Search.RatePerMinute)
	assert.Equal(t, "/tmp/pilot.db", config.GetDatabaseDSN())

	sentinels, err := config.Sentinels()
	require.NoError(t, err)
	assert.Equal(t, "[SUGGEST]", sentinels.Suggestion)
	assert.NotEmpty(t, sentinels.UtilityMarkers)
}

func TestLoadYAML_EnvironmentBeatsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")

	path := writeConfig(t, `
server:
  port: "9090"
backend:
  api_key: file-key
`)

	config, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", config.Server.Port)
	assert.Equal(t, "file-key", config.Backend.APIKey)
}

func TestLoadYAML_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unterminated")

	_, err := LoadYAML(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		c := getDefaultConfig()
		c.Backend.APIKey = "key"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:   "defaults with key",
			mutate: func(*Config) {},
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Backend.APIKey = "" },
			wantErr: []string{"BACKEND_API_KEY is required"},
		},
		{
			name:    "bad base url",
			mutate:  func(c *Config) { c.Backend.BaseURL = "ftp://nope" },
			wantErr: []string{"BACKEND_BASE_URL"},
		},
		{
			name:    "search without command",
			mutate:  func(c *Config) { c.Search.Enabled = true },
			wantErr: []string{"SEARCH_COMMAND is required"},
		},
		{
			name: "unknown driver",
			mutate: func(c *Config) {
				c.Database.EnablePersistence = true
				c.Database.Driver = "mysql"
			},
			wantErr: []string{"DATABASE_DRIVER"},
		},
		{
			name:    "driver ignored without persistence",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: nil,
		},
		{
			name:    "pattern without capture group",
			mutate:  func(c *Config) { c.Routing.Sentinels.ToolExecutionPattern = `^run` },
			wantErr: []string{"routing.sentinels"},
		},
		{
			name: "family without target",
			mutate: func(c *Config) {
				c.Backend.ModelFamilies = append(c.Backend.ModelFamilies, transform.FamilyMapping{Token: "haiku"})
			},
			wantErr: []string{"model_families"},
		},
		{
			name: "collects every problem",
			mutate: func(c *Config) {
				c.Backend.APIKey = ""
				c.Server.Port = "http"
				c.Logging.Level = "loud"
			},
			wantErr: []string{"BACKEND_API_KEY", "PORT must be numeric", "LOG_LEVEL", "; "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validateConfig(c)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	c := getDefaultConfig()

	c.Database.Driver = "postgres"
	c.Database.Password = "secret"
	assert.Equal(t,
		"host=localhost port=5432 user=claude-pilot password=secret dbname=claude-pilot sslmode=disable",
		c.GetDatabaseDSN())

	c.Database.Driver = "sqlite"
	assert.Equal(t, "claude-pilot.db", c.GetDatabaseDSN())

	c.Database.URL = "postgres://u:p@h/db"
	assert.Equal(t, "postgres://u:p@h/db", c.GetDatabaseDSN())
}
