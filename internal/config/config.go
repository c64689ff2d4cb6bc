package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Printers   PrintersConfig   `yaml:"printers"`
	Policy     PolicyConfig     `yaml:"policy"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Payment    PaymentConfig    `yaml:"payment"`
	Access     AccessConfig     `yaml:"access"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	StaticDir    string        `yaml:"static_dir"`
	PushInterval time.Duration `yaml:"push_interval"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PrintersConfig struct {
	Devices           []PrinterConfig `yaml:"devices"`
	ConnectionTimeout time.Duration   `yaml:"connection_timeout"`
	CommandInterval   time.Duration   `yaml:"command_interval"`
}

type PrinterConfig struct {
	Title    string `yaml:"title"`
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Serial   string `yaml:"serial"`
	MQTTPort int    `yaml:"mqtt_port"`
	FTPPort  int    `yaml:"ftp_port"`
}

// PolicyConfig describes when unattended prints are policed. Operating hours
// are keyed by ISO weekday, 1 is Monday and 7 is Sunday.
type PolicyConfig struct {
	OperatingHours map[int]WindowConfig `yaml:"operating_hours"`
	Buffer         time.Duration        `yaml:"buffer"`
	SpeedCap       int                  `yaml:"speed_cap"`
	AlwaysActive   bool                 `yaml:"always_active"`
}

type WindowConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type ExtractionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	StaggerBase     time.Duration `yaml:"stagger_base"`
	StaggerStep     time.Duration `yaml:"stagger_step"`
	Workers         int           `yaml:"workers"`
	TempDir         string        `yaml:"temp_dir"`
	RetryAfter      time.Duration `yaml:"retry_after"`
	HeaderThreshold float64       `yaml:"header_threshold"`
}

type PaymentConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	HostKey  string        `yaml:"host_key"`
	Command  string        `yaml:"command"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AccessConfig struct {
	Enabled          bool              `yaml:"enabled"`
	DevicePath       string            `yaml:"device_path"`
	ScanInterval     time.Duration     `yaml:"scan_interval"`
	IgnoreDevices    []string          `yaml:"ignore_devices"`
	Users            map[string]string `yaml:"users"`
	DefaultUsername  string            `yaml:"default_username"`
	ReleaseAfterRead bool              `yaml:"release_after_read"`
	TokenTTL         time.Duration     `yaml:"token_ttl"`
	TokenSecret      string            `yaml:"token_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         4000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PushInterval: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/print-manager.db",
		},
		Printers: PrintersConfig{
			ConnectionTimeout: 10 * time.Second,
			CommandInterval:   100 * time.Millisecond,
		},
		Policy: PolicyConfig{
			OperatingHours: map[int]WindowConfig{
				5: {Start: "19:00", End: "22:00"},
				6: {Start: "09:30", End: "13:30"},
			},
			Buffer:   30 * time.Minute,
			SpeedCap: 2,
		},
		Extraction: ExtractionConfig{
			Timeout:         5 * time.Minute,
			StaggerBase:     2 * time.Second,
			StaggerStep:     30 * time.Second,
			Workers:         2,
			RetryAfter:      time.Minute,
			HeaderThreshold: 5,
		},
		Payment: PaymentConfig{
			Port:    22,
			Command: "3dprint",
			Timeout: 30 * time.Second,
		},
		Access: AccessConfig{
			DevicePath:      "/sys/bus/w1/devices",
			ScanInterval:    500 * time.Millisecond,
			DefaultUsername: "DJO",
			TokenTTL:        2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// a configured schedule replaces the default one instead of merging into it
	defaultHours := cfg.Policy.OperatingHours
	cfg.Policy.OperatingHours = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Policy.OperatingHours == nil {
		cfg.Policy.OperatingHours = defaultHours
	}

	for i := range cfg.Printers.Devices {
		d := &cfg.Printers.Devices[i]
		if d.MQTTPort == 0 {
			d.MQTTPort = 8883
		}
		if d.FTPPort == 0 {
			d.FTPPort = 990
		}
		if d.Username == "" {
			d.Username = "bblp"
		}
	}

	return cfg, nil
}

// LoadFromEnv overlays PRINTMANAGER_* variables on cfg.
func LoadFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = defaults()
	}

	if v := os.Getenv("PRINTMANAGER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTMANAGER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PRINTMANAGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PRINTMANAGER_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil && debug {
			cfg.Policy.AlwaysActive = true
			cfg.Logging.Level = "debug"
		}
	}

	if v := os.Getenv("PRINTMANAGER_PAYMENT_PASSWORD"); v != "" {
		cfg.Payment.Password = v
	}

	if v := os.Getenv("PRINTMANAGER_TOKEN_SECRET"); v != "" {
		cfg.Access.TokenSecret = v
	}

	return cfg
}

// ParseClock converts "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.PushInterval < 0 {
		return fmt.Errorf("push interval must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Printers.CommandInterval < 0 {
		return fmt.Errorf("command interval must be non-negative")
	}

	serials := make(map[string]bool, len(c.Printers.Devices))
	for i, d := range c.Printers.Devices {
		if d.Host == "" {
			return fmt.Errorf("printer %d: host is required", i)
		}
		if d.Serial == "" {
			return fmt.Errorf("printer %d (%s): serial is required", i, d.Host)
		}
		if serials[d.Serial] {
			return fmt.Errorf("printer %d: duplicate serial %s", i, d.Serial)
		}
		serials[d.Serial] = true
	}

	for day, w := range c.Policy.OperatingHours {
		if day < 1 || day > 7 {
			return fmt.Errorf("operating hours weekday must be between 1 and 7, got %d", day)
		}
		start, err := ParseClock(w.Start)
		if err != nil {
			return fmt.Errorf("operating hours for day %d: %w", day, err)
		}
		end, err := ParseClock(w.End)
		if err != nil {
			return fmt.Errorf("operating hours for day %d: %w", day, err)
		}
		if end < start {
			return fmt.Errorf("operating hours for day %d end before they start", day)
		}
	}

	if c.Policy.Buffer < 0 {
		return fmt.Errorf("policy buffer must be non-negative")
	}

	if c.Policy.SpeedCap < 1 {
		return fmt.Errorf("speed cap must be at least 1")
	}

	if c.Extraction.Timeout <= 0 {
		return fmt.Errorf("extraction timeout must be positive")
	}

	if c.Extraction.Workers < 1 {
		return fmt.Errorf("extraction workers must be at least 1")
	}

	if c.Extraction.StaggerBase < 0 || c.Extraction.StaggerStep < 0 {
		return fmt.Errorf("extraction stagger must be non-negative")
	}

	if c.Extraction.RetryAfter < 0 {
		return fmt.Errorf("extraction retry_after must be non-negative")
	}

	if c.Payment.Enabled {
		if c.Payment.Host == "" {
			return fmt.Errorf("payment host is required when payment is enabled")
		}
		if c.Payment.Port < 1 || c.Payment.Port > 65535 {
			return fmt.Errorf("payment port must be between 1 and 65535, got %d", c.Payment.Port)
		}
	}

	if c.Access.Enabled {
		if c.Access.DevicePath == "" {
			return fmt.Errorf("access device path is required when access is enabled")
		}
		if c.Access.ScanInterval <= 0 {
			return fmt.Errorf("access scan interval must be positive")
		}
	}

	if c.Access.TokenTTL <= 0 {
		return fmt.Errorf("access token ttl must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
