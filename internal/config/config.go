package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const FileName = "approvald.yml"

// Config models approvald.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" validate:"required"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
		// AllowActorHeader trusts X-Actor-Id without a token; for local use only.
		AllowActorHeader bool `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Store struct {
		Workspace     string `yaml:"workspace"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms" validate:"gte=0"`
	} `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Log          LogConfig          `yaml:"log"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Seed         Seed               `yaml:"seed"`
}

type CacheConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis none"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
	Redis   struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format     string `yaml:"format" validate:"omitempty,oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

type HousekeepingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule" validate:"required_if=Enabled true"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("config.cache.redis.addr is required for the redis backend")
	}
	return c.Seed.Validate()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with approvald config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses YAML over the defaults and validates the result. A seed
// section in the file replaces the demo catalogue entirely.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Seed = Seed{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in config including the demo catalogue.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  allow_actor_header: false

store:
  workspace: .
  busy_timeout_ms: 5000

cache:
  backend: memory
  ttl: 5m
  redis:
    addr: 127.0.0.1:6379
    db: 0
    prefix: "approvald:"

log:
  level: info
  format: text
  max_size_mb: 50
  max_backups: 5
  max_age_days: 28

housekeeping:
  enabled: true
  schedule: "*/15 * * * *"

seed:
  locations:
    - {id: hq, name: Headquarters}
    - {id: emea, name: EMEA, parent: hq}
    - {id: berlin, name: Berlin Office, parent: emea}
    - {id: paris, name: Paris Office, parent: emea}
  permissions: [leave.approve, timesheet.approve, leave.view, catalog.manage]
  roles:
    - {id: team_lead, name: Team Lead, permissions: [leave.approve, timesheet.approve]}
    - {id: hr_manager, name: HR Manager, permissions: [leave.approve, leave.view]}
    - {id: employee, name: Employee, permissions: [leave.view]}
    - {id: admin, name: Administrator, permissions: [catalog.manage]}
  users:
    - {id: hana, name: Hana Richter, location: hq, roles: [hr_manager, admin]}
    - {id: bruno, name: Bruno Keller, location: emea, roles: [team_lead]}
    - {id: alex, name: Alex Weber, location: berlin, manager: bruno, roles: [employee]}
    - {id: chloe, name: Chloe Martin, location: paris, manager: bruno, roles: [employee]}
  scopes:
    - {user: hana, permission: leave.approve, global: true}
    - {user: hana, permission: catalog.manage, global: true}
    - {user: bruno, permission: leave.approve, location: emea, include_descendants: true}
    - {user: bruno, permission: timesheet.approve, location: emea, include_descendants: true}
  templates:
    - name: Standard leave
      resource_type: leave
      location_id: hq
      steps:
        - {name: Manager sign-off, required_permission: leave.approve, strategy: manager, location_scope: parent, allow_adjust: true}
        - {name: HR review, required_permission: leave.approve, strategy: role, required_roles: [hr_manager], location_scope: parent}
    - name: Weekly timesheet
      resource_type: timesheet
      location_id: hq
      steps:
        - {name: Lead approval, required_permission: timesheet.approve, strategy: combined, include_manager: true, required_roles: [team_lead], location_scope: parent, allow_adjust: true}
`
