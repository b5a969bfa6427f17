package config

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models rulegate.yml.
type Config struct {
	Notifications struct {
		AdminEmail   string `yaml:"admin_email"`
		FromEmail    string `yaml:"from_email"`
		BaseURL      string `yaml:"base_url"`
		SlackWebhook string `yaml:"slack_webhook"`
		SlackPerSec  int    `yaml:"slack_per_second"`
		SMTP         SMTP   `yaml:"smtp"`
	} `yaml:"notifications"`
	Timeouts struct {
		Apply  Duration `yaml:"apply"`
		Notify Duration `yaml:"notify"`
	} `yaml:"timeouts"`
	Schedule struct {
		Timezone string `yaml:"timezone"`
		Warning  string `yaml:"warning"`
		SameDay  string `yaml:"same_day"`
		Execute  string `yaml:"execute"`
	} `yaml:"schedule"`
	AWS struct {
		Region     string `yaml:"region"`
		Profile    string `yaml:"profile"`
		DryRun     bool   `yaml:"dry_run"`
		MaxRetries uint64 `yaml:"max_retries"`
	} `yaml:"aws"`
	Breaker struct {
		MaxFailures uint32   `yaml:"max_failures"`
		OpenTimeout Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`
	Server struct {
		Addr           string `yaml:"addr"`
		BasePath       string `yaml:"base_path"`
		JWTSecret      string `yaml:"jwt_secret"`
		AllowDevHeader bool   `yaml:"allow_dev_header"`
	} `yaml:"server"`
}

type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Duration is a time.Duration read from strings like "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Location returns the timezone day boundaries are computed in.
func (c *Config) Location() *time.Location {
	if c.Schedule.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Notifications.AdminEmail != "" {
		if _, err := mail.ParseAddress(c.Notifications.AdminEmail); err != nil {
			return fmt.Errorf("notifications.admin_email: %w", err)
		}
	}
	if c.Notifications.SMTP.Host != "" && c.Notifications.FromEmail == "" {
		return fmt.Errorf("notifications.from_email is required when smtp is configured")
	}
	if c.Notifications.SlackPerSec < 0 {
		return fmt.Errorf("notifications.slack_per_second must not be negative")
	}
	if c.Timeouts.Apply <= 0 {
		return fmt.Errorf("timeouts.apply must be positive")
	}
	if c.Timeouts.Notify <= 0 {
		return fmt.Errorf("timeouts.notify must be positive")
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	for name, spec := range map[string]string{
		"warning":  c.Schedule.Warning,
		"same_day": c.Schedule.SameDay,
		"execute":  c.Schedule.Execute,
	} {
		if spec == "" {
			return fmt.Errorf("schedule.%s is required", name)
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule.%s: %w", name, err)
		}
	}
	if c.Breaker.MaxFailures == 0 {
		return fmt.Errorf("breaker.max_failures must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rulegate.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
// Keys missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `notifications:
  admin_email: ""
  from_email: ""
  base_url: "http://localhost:8080"
  slack_webhook: ""
  slack_per_second: 1
  smtp:
    host: ""
    port: 587
    username: ""
    password: ""

timeouts:
  apply: 30s
  notify: 10s

schedule:
  timezone: UTC
  # one-day warning and same-day notices at 09:00, execution hourly
  warning: "0 9 * * *"
  same_day: "0 9 * * *"
  execute: "0 * * * *"

aws:
  region: ""
  profile: ""
  dry_run: false
  max_retries: 3

breaker:
  max_failures: 5
  open_timeout: 60s

server:
  addr: "127.0.0.1:8080"
  base_path: "/v0"
  # HS256 secret for bearer tokens; prefer RULEGATE_SERVER_JWT_SECRET
  jwt_secret: ""
  allow_dev_header: false
`
