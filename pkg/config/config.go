// Package config loads the client configuration from a YAML file and fills
// in defaults for anything the file leaves out.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/sensei/pkg/notify"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

type ServerSettings struct {
	// WSURL is the websocket endpoint asked queries stream over.
	WSURL string `yaml:"ws_url"`
	// HTTPURL is the base URL for thread transcript hydration.
	HTTPURL string `yaml:"http_url"`
}

type StoreSettings struct {
	// Backend selects the durable store: memory, sqlite or bolt.
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite and bolt backends.
	Path string `yaml:"path"`
}

type Config struct {
	LogLevel string          `yaml:"log_level"`
	Server   ServerSettings  `yaml:"server"`
	Store    StoreSettings   `yaml:"store"`
	Redis    notify.Settings `yaml:"redis"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerSettings{
			WSURL:   "ws://localhost:8000/ws/chat",
			HTTPURL: "http://localhost:8000",
		},
		Store: StoreSettings{
			Backend: BackendSQLite,
			Path:    defaultStorePath(),
		},
		Redis: notify.Settings{
			Enabled:  false,
			Addr:     "localhost:6379",
			Group:    "sensei",
			Consumer: "cli",
		},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sensei.db"
	}
	return filepath.Join(dir, "sensei", "sensei.db")
}

// Load reads path on top of the defaults. A missing file is not an error;
// the defaults stand alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "config: read file")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendBolt:
	default:
		return errors.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != BackendMemory && c.Store.Path == "" {
		return errors.Errorf("config: store backend %q requires a path", c.Store.Backend)
	}
	if c.Server.WSURL == "" {
		return errors.New("config: server ws_url is empty")
	}
	return nil
}
