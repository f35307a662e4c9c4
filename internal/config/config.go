package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvAPIBase = "AUTOALL_API_BASE"
	EnvPlugin  = "AUTOALL_PLUGIN"
	EnvToken   = "AUTOALL_TOKEN"
)

type Config struct {
	API     APIConfig     `yaml:"api"`
	Limits  LimitsConfig  `yaml:"limits"`
	Poll    PollConfig    `yaml:"poll"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Notify  NotifyConfig  `yaml:"notify"`

	// BootstrapToken seeds the credential when nothing is persisted yet.
	BootstrapToken string `yaml:"-"`
}

type APIConfig struct {
	BaseURL   string `yaml:"baseURL"`
	Plugin    string `yaml:"plugin"`
	TimeoutMs int    `yaml:"timeoutMs"`
	UserAgent string `yaml:"userAgent"`
}

func (c APIConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type LimitsConfig struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

type PollConfig struct {
	DetailIntervalMs int `yaml:"detailIntervalMs"`
	ListIntervalMs   int `yaml:"listIntervalMs"`
	PageSize         int `yaml:"pageSize"`
	LogTail          int `yaml:"logTail"`
}

// DetailInterval is the cadence of a single task's detail view.
func (c PollConfig) DetailInterval() time.Duration {
	if c.DetailIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DetailIntervalMs) * time.Millisecond
}

// ListInterval is the cadence of list and dashboard views.
func (c PollConfig) ListInterval() time.Duration {
	if c.ListIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ListIntervalMs) * time.Millisecond
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	AllowHeaders     []string `yaml:"allowHeaders"`
	AllowMethods     []string `yaml:"allowMethods"`
	MaxAgeSeconds    int      `yaml:"maxAgeSeconds"`
}

func (c CorsConfig) Headers() []string {
	if len(c.AllowHeaders) == 0 {
		return []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	return c.AllowHeaders
}

func (c CorsConfig) Methods() []string {
	if len(c.AllowMethods) == 0 {
		return []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	return c.AllowMethods
}

func (c CorsConfig) MaxAge() int {
	if c.MaxAgeSeconds <= 0 {
		return 600
	}
	return c.MaxAgeSeconds
}

type NotifyConfig struct {
	Email EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load reads path, applies defaults and environment overrides, and validates
// the result. A missing file is not an error: defaults are used.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, err
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://127.0.0.1:8000/api/v1"
	}
	if c.API.Plugin == "" {
		c.API.Plugin = "google"
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "autoall-cli/1.0"
	}
	if c.Limits.QPS <= 0 {
		c.Limits.QPS = 10
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = 5
	}
	if c.Poll.PageSize <= 0 {
		c.Poll.PageSize = 50
	}
	if c.Poll.LogTail <= 0 {
		c.Poll.LogTail = 200
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/autoall.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8091"
	}
	if c.Notify.Email.Port <= 0 {
		c.Notify.Email.Port = 465
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIBase); ok && strings.TrimSpace(v) != "" {
		c.API.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPlugin); ok && strings.TrimSpace(v) != "" {
		c.API.Plugin = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvToken); ok {
		c.BootstrapToken = strings.TrimSpace(v)
	}
}

func (c Config) validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("api.baseURL must be an absolute URL")
	}
	if strings.Contains(strings.Trim(c.API.Plugin, "/"), "/") {
		return errors.New("api.plugin must be a single path segment")
	}
	if c.Notify.Email.Enabled {
		if c.Notify.Email.Host == "" {
			return errors.New("notify.email.host is required when email is enabled")
		}
		if len(c.Notify.Email.To) == 0 {
			return errors.New("notify.email.to is required when email is enabled")
		}
	}
	return nil
}
