// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the agent process configuration
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Galil   GalilConfig   `mapstructure:"galil"`
	Logging LoggingConfig `mapstructure:"logging"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Journal JournalConfig `mapstructure:"journal"`
}

// AgentConfig represents the client-facing command server
type AgentConfig struct {
	Name           string        `mapstructure:"name"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	MaxClients     int           `mapstructure:"max_clients"`
	Cookie         string        `mapstructure:"cookie"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// GalilConfig represents the motion controller link
type GalilConfig struct {
	Enabled            bool                   `mapstructure:"enabled"`
	ConnectionType     string                 `mapstructure:"connection_type"`
	Connection         map[string]interface{} `mapstructure:"connection"`
	MotionThreads      []int                  `mapstructure:"motion_threads"`
	StatusThread       int                    `mapstructure:"status_thread"`
	StatusPollInterval time.Duration          `mapstructure:"status_poll_interval"`
	ReplyTimeout       time.Duration          `mapstructure:"reply_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig represents the optional HTTP monitor
type MonitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// JournalConfig represents the optional PostgreSQL command journal
type JournalConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	QueueSize    int           `mapstructure:"queue_size"`
	Retention    time.Duration `mapstructure:"retention"`
}

// Load reads configuration from path, M2FS_AGENT_* environment variables
// and defaults. With an empty path agent.yaml is searched for in the usual
// locations and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/m2fs")
	}

	// Environment variable support
	v.SetEnvPrefix("M2FS_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.name", "GalilAgent")
	v.SetDefault("agent.host", "localhost")
	v.SetDefault("agent.port", 40000)
	v.SetDefault("agent.max_clients", 2)
	v.SetDefault("agent.cookie", "GalilAgent v1.0")
	v.SetDefault("agent.poll_interval", "1s")
	v.SetDefault("agent.command_timeout", "60s")

	// Galil defaults
	v.SetDefault("galil.enabled", true)
	v.SetDefault("galil.connection_type", "SERIAL")
	v.SetDefault("galil.connection", map[string]interface{}{
		"port":         "/dev/galilR",
		"baud_rate":    115200,
		"read_timeout": "100ms",
	})
	v.SetDefault("galil.motion_threads", []int{2, 3, 4, 5})
	v.SetDefault("galil.status_thread", 7)
	v.SetDefault("galil.status_poll_interval", "5s")
	v.SetDefault("galil.reply_timeout", "2s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Monitor defaults
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.host", "0.0.0.0")
	v.SetDefault("monitor.port", 8084)
	v.SetDefault("monitor.mode", "release")
	v.SetDefault("monitor.allowed_origins", []string{"*"})
	v.SetDefault("monitor.read_timeout", "30s")
	v.SetDefault("monitor.write_timeout", "30s")

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.user", "postgres")
	v.SetDefault("journal.password", "postgres")
	v.SetDefault("journal.dbname", "m2fs")
	v.SetDefault("journal.sslmode", "disable")
	v.SetDefault("journal.max_open_conns", 5)
	v.SetDefault("journal.max_idle_conns", 2)
	v.SetDefault("journal.max_lifetime", "5m")
	v.SetDefault("journal.queue_size", 256)
	v.SetDefault("journal.retention", "720h")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if config.Agent.Port < 0 || config.Agent.Port > 65535 {
		return fmt.Errorf("agent.port out of range: %d", config.Agent.Port)
	}
	if config.Agent.MaxClients < 1 {
		return fmt.Errorf("agent.max_clients must be at least 1")
	}
	if config.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}

	if config.Galil.Enabled {
		switch strings.ToUpper(config.Galil.ConnectionType) {
		case "SERIAL", "TCP":
		default:
			return fmt.Errorf("galil.connection_type must be SERIAL or TCP, got %q", config.Galil.ConnectionType)
		}
		if len(config.Galil.MotionThreads) == 0 {
			return fmt.Errorf("galil.motion_threads must not be empty")
		}
		for _, id := range append([]int{config.Galil.StatusThread}, config.Galil.MotionThreads...) {
			if id < 0 || id > 7 {
				return fmt.Errorf("galil thread id out of range: %d", id)
			}
		}
		for _, id := range config.Galil.MotionThreads {
			if id == config.Galil.StatusThread {
				return fmt.Errorf("galil.status_thread %d is also a motion thread", id)
			}
		}
	}

	if config.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetListenAddr returns the command server address
func (c *Config) GetListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Agent.Host, c.Agent.Port)
}

// GetMonitorAddr returns the monitor HTTP address
func (c *Config) GetMonitorAddr() string {
	return fmt.Sprintf("%s:%d", c.Monitor.Host, c.Monitor.Port)
}

// GetJournalDSN returns the journal database connection string
func (c *Config) GetJournalDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Journal.Host, c.Journal.Port, c.Journal.User,
		c.Journal.Password, c.Journal.DBName, c.Journal.SSLMode)
}
