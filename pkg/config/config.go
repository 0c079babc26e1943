package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the bridge runtime configuration. Everything has a hard-coded
// default; an optional JSON file at <dataDir>/config.json overrides fields.
type Config struct {
	DataDir  string         `json:"dataDir"`
	LogLevel string         `json:"logLevel"`
	Server   ServerConfig   `json:"server"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AllowAnyOriginWithCredentials reflects any request Origin together with
	// Access-Control-Allow-Credentials. Permissive on purpose: the bridge is
	// deployed on arbitrary LAN addresses the frontend must reach. Set to
	// false to restrict reflection to AllowedOrigins.
	AllowAnyOriginWithCredentials bool     `json:"allowAnyOriginWithCredentials"`
	AllowedOrigins                []string `json:"allowedOrigins"`
}

type WhatsAppConfig struct {
	StorePath   string `json:"storePath"`
	CountryCode string `json:"countryCode"`
}

func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bridge")
}

func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Server: ServerConfig{
			Host:                          "0.0.0.0",
			Port:                          3001,
			AllowAnyOriginWithCredentials: true,
		},
		WhatsApp: WhatsAppConfig{
			StorePath:   filepath.Join(dataDir, "whatsapp.db"),
			CountryCode: "55",
		},
	}
}

// Load reads the config file at path (default <dataDir>/config.json) on top
// of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize fills fields the file left empty back in from the defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.WhatsApp.StorePath == "" {
		c.WhatsApp.StorePath = filepath.Join(c.DataDir, "whatsapp.db")
	}
	c.WhatsApp.StorePath = expandHome(c.WhatsApp.StorePath)
	if c.WhatsApp.CountryCode == "" {
		c.WhatsApp.CountryCode = def.WhatsApp.CountryCode
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return home + path[1:]
	}
	return home
}
