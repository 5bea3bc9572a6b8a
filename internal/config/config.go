// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file (the
// --config flag or AGENTD_CONFIG), then environment variables, then
// command-line flags that were set explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Display DisplayConfig `yaml:"display"`
	Stream  StreamConfig  `yaml:"stream"`
	Agent   AgentConfig   `yaml:"agent"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`

	// AllowedOrigins restricts WebSocket origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures where state is kept.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`

	// LogDir holds the per-session recordings.
	LogDir string `yaml:"log_dir"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`
}

// DisplayConfig configures the display tokens handed to workers.
type DisplayConfig struct {
	Base        int `yaml:"base"`
	Count       int `yaml:"count"`
	VNCBasePort int `yaml:"vnc_base_port"`
}

// StreamConfig configures the per-session broadcast hubs.
type StreamConfig struct {
	ReplayCapacity  int `yaml:"replay_capacity"`
	SubscriberQueue int `yaml:"subscriber_queue"`
}

// AgentConfig selects the agent driver.
type AgentConfig struct {
	// Kind is "mock" or "command".
	Kind    string        `yaml:"kind"`
	Command string        `yaml:"command"`
	Delay   time.Duration `yaml:"step_delay"`
}

// SessionConfig configures message handling.
type SessionConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
}

// LogConfig configures log/slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "data/sessions.db",
			LogDir: "data/logs",
		},
		Worker: WorkerConfig{
			MaxWorkers:   100,
			IdleTimeout:  300 * time.Second,
			ReapInterval: 30 * time.Second,
			CancelGrace:  5 * time.Second,
		},
		Display: DisplayConfig{
			Base:        1,
			Count:       100,
			VNCBasePort: 5900,
		},
		Stream: StreamConfig{
			ReplayCapacity:  256,
			SubscriberQueue: 64,
		},
		Agent: AgentConfig{
			Kind:  "mock",
			Delay: 500 * time.Millisecond,
		},
		Session: SessionConfig{
			MaxMessageSize: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is empty, AGENTD_CONFIG is consulted; no file is fine) and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("AGENTD_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Storage.DBPath = getEnv("DB_PATH", c.Storage.DBPath)
	c.Storage.LogDir = getEnv("LOG_DIR", c.Storage.LogDir)

	c.Worker.MaxWorkers = getEnvInt("MAX_WORKERS", c.Worker.MaxWorkers)
	c.Worker.IdleTimeout = getEnvDuration("WORKER_IDLE_TIMEOUT", c.Worker.IdleTimeout)
	c.Worker.ReapInterval = getEnvDuration("REAP_INTERVAL", c.Worker.ReapInterval)
	c.Worker.CancelGrace = getEnvDuration("CANCEL_GRACE", c.Worker.CancelGrace)

	c.Display.Base = getEnvInt("DISPLAY_BASE", c.Display.Base)
	c.Display.Count = getEnvInt("DISPLAY_COUNT", c.Display.Count)
	c.Display.VNCBasePort = getEnvInt("VNC_BASE_PORT", c.Display.VNCBasePort)

	c.Stream.ReplayCapacity = getEnvInt("REPLAY_CAPACITY", c.Stream.ReplayCapacity)
	c.Stream.SubscriberQueue = getEnvInt("SUBSCRIBER_QUEUE", c.Stream.SubscriberQueue)

	c.Agent.Kind = getEnv("AGENT_KIND", c.Agent.Kind)
	c.Agent.Command = getEnv("AGENT_COMMAND", c.Agent.Command)
	c.Agent.Delay = getEnvDuration("AGENT_STEP_DELAY", c.Agent.Delay)

	c.Session.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.Session.MaxMessageSize)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Flags returns the command-line flags understood by ApplyFlags. The
// defaults shown in usage are the built-in ones.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("agentd", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file (or AGENTD_CONFIG)")
	fs.String("port", d.Server.Port, "HTTP listen port")
	fs.String("db", d.Storage.DBPath, "SQLite database path")
	fs.String("log-dir", d.Storage.LogDir, "directory for session recordings")
	fs.Int("max-workers", d.Worker.MaxWorkers, "ceiling on live workers")
	fs.Duration("idle-timeout", d.Worker.IdleTimeout, "reap workers idle for longer than this")
	fs.Duration("cancel-grace", d.Worker.CancelGrace, "time a cancelled turn gets before it is killed")
	fs.String("agent", d.Agent.Kind, "agent driver: mock or command")
	fs.String("agent-command", d.Agent.Command, "executable for the command agent")
	fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "json or text")
	return fs
}

// ApplyFlags overrides c with every flag in fs that was set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	str("port", &c.Server.Port)
	str("db", &c.Storage.DBPath)
	str("log-dir", &c.Storage.LogDir)
	str("agent", &c.Agent.Kind)
	str("agent-command", &c.Agent.Command)
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)

	if fs.Changed("max-workers") {
		v, err := fs.GetInt("max-workers")
		errs = append(errs, err)
		c.Worker.MaxWorkers = v
	}
	if fs.Changed("idle-timeout") {
		v, err := fs.GetDuration("idle-timeout")
		errs = append(errs, err)
		c.Worker.IdleTimeout = v
	}
	if fs.Changed("cancel-grace") {
		v, err := fs.GetDuration("cancel-grace")
		errs = append(errs, err)
		c.Worker.CancelGrace = v
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Worker.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("worker.max_workers must be positive, got %d", c.Worker.MaxWorkers))
	}
	if c.Worker.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.idle_timeout must be positive, got %s", c.Worker.IdleTimeout))
	}
	if c.Worker.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.reap_interval must be positive, got %s", c.Worker.ReapInterval))
	}
	if c.Worker.CancelGrace <= 0 {
		errs = append(errs, fmt.Errorf("worker.cancel_grace must be positive, got %s", c.Worker.CancelGrace))
	}
	if c.Display.Count <= 0 {
		errs = append(errs, fmt.Errorf("display.count must be positive, got %d", c.Display.Count))
	}
	if c.Display.Base < 0 {
		errs = append(errs, fmt.Errorf("display.base must not be negative, got %d", c.Display.Base))
	}
	if c.Stream.ReplayCapacity <= 0 {
		errs = append(errs, fmt.Errorf("stream.replay_capacity must be positive, got %d", c.Stream.ReplayCapacity))
	}
	if c.Stream.SubscriberQueue <= 0 {
		errs = append(errs, fmt.Errorf("stream.subscriber_queue must be positive, got %d", c.Stream.SubscriberQueue))
	}
	switch c.Agent.Kind {
	case "mock":
	case "command":
		if strings.TrimSpace(c.Agent.Command) == "" {
			errs = append(errs, errors.New("agent.command is required for the command agent"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.kind must be mock or command, got %q", c.Agent.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default. Bare
// integers are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
