package config

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bulk-mailer/models"
)

// Transport security modes.
const (
	SecurityPlain = "plain"
	SecurityTLS   = "tls" // STARTTLS
	SecuritySSL   = "ssl" // implicit TLS
)

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	FromName string        `yaml:"from_name"`
	Security string        `yaml:"security"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	SMTP SMTPConfig `yaml:"smtp"`

	Send struct {
		Delay        time.Duration `yaml:"delay"`
		TemplatesDir string        `yaml:"templates_dir"`
		// FilesDir is the only directory the API may read recipient files and attachments from.
		FilesDir     string        `yaml:"files_dir"`
	} `yaml:"send"`

	Runs struct {
		Retention time.Duration `yaml:"retention"`
	} `yaml:"runs"`

	App struct {
		Env string `yaml:"env"`
	} `yaml:"app"`
}

const (
	DefaultTimeout      = 12 * time.Second
	DefaultDelay        = 3 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultTemplatesDir = "templates"
	DefaultFilesDir     = "files"
	DefaultHost         = "127.0.0.1"
)

// Default returns a config with every optional setting filled in.
func Default() *Config {
	c := &Config{}
	c.Send.Delay = DefaultDelay
	c.applyDefaults()
	return c
}

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	// Seeded before decoding so an explicit "delay: 0s" disables the pause.
	config.Send.Delay = DefaultDelay

	// A missing file is fine: everything can come from the environment.
	file, err := os.Open(configPath)
	switch {
	case err == nil:
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		log.Printf("config file %s not found, using environment only", configPath)
	default:
		return nil, err
	}

	if err := config.overrideWithEnvVars(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return config, nil
}

func (c *Config) overrideWithEnvVars() error {
	if port := Env("PORT", ""); port != "" {
		c.Server.Port = port
	}
	if host := Env("HOST", ""); host != "" {
		c.Server.Host = host
	}
	if env := Env("APP_ENV", ""); env != "" {
		c.App.Env = env
	}

	if v := Env("SMTP_HOST", ""); v != "" {
		c.SMTP.Host = v
	}
	if v := Env("SMTP_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &models.ConfigError{Field: "SMTP_PORT", Reason: "must be a number"}
		}
		c.SMTP.Port = port
	}
	if v := Env("SMTP_USERNAME", ""); v != "" {
		c.SMTP.Username = v
	}
	if v := Env("SMTP_PASSWORD", ""); v != "" {
		c.SMTP.Password = v
	}
	if v := Env("SMTP_FROM", ""); v != "" {
		c.SMTP.From = v
	}
	if v := Env("SMTP_FROM_NAME", ""); v != "" {
		c.SMTP.FromName = v
	}
	if v := Env("SMTP_SECURITY", ""); v != "" {
		c.SMTP.Security = strings.ToLower(v)
	}
	if v := Env("SEND_DELAY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &models.ConfigError{Field: "SEND_DELAY", Reason: err.Error()}
		}
		c.Send.Delay = d
	}
	if v := Env("TEMPLATES_DIR", ""); v != "" {
		c.Send.TemplatesDir = v
	}
	if v := Env("FILES_DIR", ""); v != "" {
		c.Send.FilesDir = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Send.TemplatesDir == "" {
		c.Send.TemplatesDir = DefaultTemplatesDir
	}
	if c.Send.FilesDir == "" {
		c.Send.FilesDir = DefaultFilesDir
	}
	if c.Runs.Retention == 0 {
		c.Runs.Retention = DefaultRetention
	}
	c.SMTP.applyDefaults()
}

func (s *SMTPConfig) applyDefaults() {
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Security == "" {
		s.Security = SecurityForPort(s.Port)
	}
	if s.From == "" {
		s.From = s.Username
	}
}

// SecurityForPort picks the usual mode for well-known submission ports.
func SecurityForPort(port int) string {
	switch port {
	case 465:
		return SecuritySSL
	case 587:
		return SecurityTLS
	default:
		return SecurityPlain
	}
}

// WithOverride returns a copy of s with the non-empty fields of o applied.
func (s SMTPConfig) WithOverride(o *models.SMTPOverride) SMTPConfig {
	if o == nil {
		return s
	}
	portChanged := o.Port != 0 && o.Port != s.Port
	if o.Host != "" {
		s.Host = o.Host
	}
	if o.Port != 0 {
		s.Port = o.Port
	}
	if o.Username != "" {
		s.Username = o.Username
		if o.From == "" {
			s.From = o.Username
		}
	}
	if o.Password != "" {
		s.Password = o.Password
	}
	if o.From != "" {
		s.From = o.From
	}
	if o.FromName != "" {
		s.FromName = o.FromName
	}
	switch {
	case o.Security != "":
		s.Security = strings.ToLower(o.Security)
	case portChanged:
		s.Security = SecurityForPort(s.Port)
	}
	return s
}

// Validate checks presence and type of every setting a run needs.
func (s SMTPConfig) Validate() error {
	if s.Host == "" {
		return &models.ConfigError{Field: "smtp.host", Reason: "is required"}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return &models.ConfigError{Field: "smtp.port", Reason: fmt.Sprintf("%d is out of range", s.Port)}
	}
	switch s.Security {
	case SecurityPlain, SecurityTLS, SecuritySSL:
	default:
		return &models.ConfigError{Field: "smtp.security", Reason: fmt.Sprintf("unknown mode %q", s.Security)}
	}
	if s.Username != "" && s.Password == "" {
		return &models.ConfigError{Field: "smtp.password", Reason: "is required when username is set"}
	}
	if s.From == "" {
		return &models.ConfigError{Field: "smtp.from", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(s.From); err != nil {
		return &models.ConfigError{Field: "smtp.from", Reason: err.Error()}
	}
	if s.Timeout < 0 {
		return &models.ConfigError{Field: "smtp.timeout", Reason: "must not be negative"}
	}
	return nil
}

// ValidateDelay rejects negative inter-message delays.
func ValidateDelay(d time.Duration) error {
	if d < 0 {
		return &models.ConfigError{Field: "send.delay", Reason: "must not be negative"}
	}
	return nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// Env returns the trimmed value of key, or fallback when it is unset or blank.
func Env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// MustLoad loads the file named by CONFIG_PATH, config.yaml by default, and exits on error.
func MustLoad() *Config {
	path := Env("CONFIG_PATH", "config.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("load config %s: %v", path, err)
	}
	return cfg
}
