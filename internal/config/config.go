// Package config resolves gateway settings once at startup: built-in
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xsigma/platform/gateway/internal/models"
)

// Config is the full gateway configuration.
type Config struct {
	Python      PythonConfig               `yaml:"python"`
	Worker      WorkerConfig               `yaml:"worker"`
	Server      ServerConfig               `yaml:"server"`
	Cache       CacheConfig                `yaml:"cache"`
	Logging     LoggingConfig              `yaml:"logging"`
	DataSources DataSourcesConfig          `yaml:"dataSources"`
	Models      map[string]models.Override `yaml:"models"`
}

// PythonConfig locates the interpreter and what it needs at runtime.
type PythonConfig struct {
	Executable string        `yaml:"executable"`
	Path       string        `yaml:"path"`
	DataRoot   string        `yaml:"dataRoot"`
	Timeout    time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	ScriptDir      string `yaml:"scriptDir"`
	MaxOutputBytes int    `yaml:"maxOutputBytes"`
}

type ServerConfig struct {
	HTTPBind string `yaml:"httpBind"`
	// GRPCBind is the gRPC listen address; "off" disables the gRPC server.
	GRPCBind string `yaml:"grpcBind"`
	// Debug exposes worker stderr in error responses.
	Debug bool `yaml:"debug"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type CacheConfig struct {
	MaxEntries int           `yaml:"maxEntries"`
	TTL        time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DataSourcesConfig struct {
	Enabled []string `yaml:"enabled"`
	// Strict fails startup when a sync fails instead of logging it.
	Strict bool `yaml:"strict"`
}

// GRPCEnabled reports whether the gRPC front door should listen.
func (s ServerConfig) GRPCEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(s.GRPCBind)) {
	case "", "off", "disabled", "none":
		return false
	}
	return true
}

// Default returns the built-in configuration for the current platform.
func Default() *Config {
	return defaultFor(runtime.GOOS)
}

func defaultFor(goos string) *Config {
	cfg := &Config{
		Python: PythonConfig{
			Executable: "/usr/local/bin/xsigmapython",
			Path:       "/usr/local/lib/python3.12/site-packages",
			DataRoot:   "/usr/local/share/xsigma/data",
			Timeout:    30 * time.Second,
		},
		Worker: WorkerConfig{
			ScriptDir:      "workers",
			MaxOutputBytes: 10 << 20,
		},
		Server: ServerConfig{
			HTTPBind:        ":8080",
			GRPCBind:        ":50051",
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 100,
			TTL:        15 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
	if goos == "windows" {
		cfg.Python.Executable = "C:/dev/build_ninja_avx2_python/bin/xsigmapython.exe"
		cfg.Python.Path = "C:/dev/build_ninja_avx2_python/lib/python3.12/site-packages"
		cfg.Python.DataRoot = "C:/dev/build_ninja_avx2_python/ExternalData/Testing"
	}
	return cfg
}

// Load builds the configuration. A missing file at path is not an error; an
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	c.Python.Executable = env("PYTHON_EXECUTABLE", c.Python.Executable)
	c.Python.Path = env("PYTHONPATH", c.Python.Path)
	c.Python.DataRoot = env("XSIGMA_DATA_ROOT", c.Python.DataRoot)
	if v := os.Getenv("PYTHON_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || ms <= 0 {
			return fmt.Errorf("PYTHON_TIMEOUT_MS must be a positive integer, got %q", v)
		}
		c.Python.Timeout = time.Duration(ms) * time.Millisecond
	}

	c.Worker.ScriptDir = env("WORKER_SCRIPT_DIR", c.Worker.ScriptDir)
	if v := os.Getenv("WORKER_MAX_OUTPUT_BYTES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("WORKER_MAX_OUTPUT_BYTES: %w", err)
		}
		c.Worker.MaxOutputBytes = n
	}

	c.Server.HTTPBind = sanitizeListenAddr(env("GATEWAY_HTTP_BIND", c.Server.HTTPBind))
	c.Server.GRPCBind = sanitizeListenAddr(env("GATEWAY_BIND", c.Server.GRPCBind))
	if strings.EqualFold(os.Getenv("NODE_ENV"), "development") {
		c.Server.Debug = true
	}
	c.Server.Debug = boolEnv("GATEWAY_DEBUG", c.Server.Debug)

	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CACHE_MAX_ENTRIES: %w", err)
		}
		c.Cache.MaxEntries = n
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}

	c.Logging.Level = env("LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("DATA_SOURCES"); v != "" {
		c.DataSources.Enabled = splitList(v)
	}
	c.DataSources.Strict = boolEnv("DATA_SOURCE_STRICT", c.DataSources.Strict)
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Python.Executable) == "" {
		errs = append(errs, errors.New("python executable is empty"))
	}
	if c.Python.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("python timeout must be positive, got %s", c.Python.Timeout))
	}
	if c.Worker.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("worker max output must be positive, got %d", c.Worker.MaxOutputBytes))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL))
	}
	for _, name := range c.DataSources.Enabled {
		switch name {
		case "s3", "azure", "sftp", "ftps":
		default:
			errs = append(errs, fmt.Errorf("unknown data source %q", name))
		}
	}
	return errors.Join(errs...)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

// sanitizeListenAddr trims whitespace/comments so malformed env values (e.g. ":50051 :: note") do not break net.Listen.
func sanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	return strings.Trim(trimmed, "\"'")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
