// Package config loads and merges ircdd's runtime configuration.
package config

import (
	"encoding/json"
	"os"
)

// defaultConfig mirrors the shape a deployed node is expected to run
// with out of the box; every field can be overridden by -config or by
// environment variable.
const defaultConfig = `{
  "hostname": "localhost",
  "port": 5799,
  "nsqd_tcp_address": ["127.0.0.1:4222"],
  "lookupd_http_address": ["127.0.0.1:4161"],
  "db": "ircdd",
  "rdb_host": "127.0.0.1",
  "rdb_port": 28015,
  "user_on_request": true,
  "group_on_request": false,
  "auth": {
    "jwtSecret": "change-me-in-production",
    "tokenExpiration": 3600,
    "requireAuth": false
  },
  "metrics": {
    "enablePrometheus": true,
    "updateInterval": 5
  }
}`

// AuthConfig governs the admin HTTP surface's JWT guard. It has no
// bearing on IRC PASS/NICK authentication, which is handled by the
// CredentialChecker collaborator in internal/authn.
type AuthConfig struct {
	JWTSecret       string `json:"jwtSecret"`
	TokenExpiration int    `json:"tokenExpiration"`
	RequireAuth     bool   `json:"requireAuth"`
}

// MetricsConfig governs the Prometheus/gopsutil collection cadence.
type MetricsConfig struct {
	EnablePrometheus bool `json:"enablePrometheus"`
	UpdateInterval   int  `json:"updateInterval"`
}

// Config is the process-wide configuration, per spec.md §6.
type Config struct {
	Hostname           string        `json:"hostname"`
	Port               int           `json:"port"`
	NsqdTCPAddress     []string      `json:"nsqd_tcp_address"`
	LookupdHTTPAddress []string      `json:"lookupd_http_address"`
	DB                 string        `json:"db"`
	RDBHost            string        `json:"rdb_host"`
	RDBPort            int           `json:"rdb_port"`
	UserOnRequest      bool          `json:"user_on_request"`
	GroupOnRequest     bool          `json:"group_on_request"`
	Auth               AuthConfig    `json:"auth"`
	Metrics            MetricsConfig `json:"metrics"`
}

// Load reads the default configuration, applies an optional file
// override, then applies environment variable overrides, in that
// order — matching the precedence spec.md §6 describes for `config`.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(os.ExpandEnv(defaultConfig)), &cfg); err != nil {
		return nil, err
	}

	if configPath != "" {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Decoding into the already-populated struct overrides only the
		// keys present in the file; the rest keep their defaults.
		if err := json.Unmarshal([]byte(os.ExpandEnv(string(fileData))), &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IRCDD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("IRCDD_DB"); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv("IRCDD_RDB_HOST"); v != "" {
		cfg.RDBHost = v
	}
	if v := os.Getenv("IRCDD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	switch os.Getenv("IRCDD_USER_ON_REQUEST") {
	case "true":
		cfg.UserOnRequest = true
	case "false":
		cfg.UserOnRequest = false
	}
	switch os.Getenv("IRCDD_GROUP_ON_REQUEST") {
	case "true":
		cfg.GroupOnRequest = true
	case "false":
		cfg.GroupOnRequest = false
	}
	switch os.Getenv("IRCDD_REQUIRE_AUTH") {
	case "true":
		cfg.Auth.RequireAuth = true
	case "false":
		cfg.Auth.RequireAuth = false
	}
}
