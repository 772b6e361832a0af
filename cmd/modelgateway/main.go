package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xsigma/platform/gateway/internal/cache"
	"github.com/xsigma/platform/gateway/internal/config"
	"github.com/xsigma/platform/gateway/internal/dlp"
	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/pipeline"
	"github.com/xsigma/platform/gateway/internal/worker"
)

var (
	configPath string
	logLevel   string
	pretty     bool
)

var rootCmd = &cobra.Command{
	Use:   "modelgateway",
	Short: "HTTP and gRPC front door for option-pricing workers",
	Long: `modelgateway validates pricing requests, runs the matching Python worker
as a subprocess and returns its JSON result.

Configuration comes from built-in defaults, then the YAML file named by
--config (or GATEWAY_CONFIG), then environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", env("GATEWAY_CONFIG", "gateway.yaml"), "YAML config file (missing file is ignored)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(syncDataCmd)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("modelgateway exited")
	}
}

func run() error {
	return rootCmd.Execute()
}

func setupLogging() error {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

// applyLevel picks the flag over the config file.
func applyLevel(cfg *config.Config) error {
	raw := cfg.Logging.Level
	if logLevel != "" {
		raw = logLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// app is everything a command needs, built once from the config.
type app struct {
	cfg      *config.Config
	registry *models.Registry
	scanner  *dlp.Scanner
	engine   *pipeline.Engine
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := applyLevel(cfg); err != nil {
		return nil, err
	}
	return newApp(cfg, log.Logger)
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	registry, err := models.NewRegistry(models.Builtin())
	if err != nil {
		return nil, err
	}
	if err := registry.Apply(cfg.Models); err != nil {
		return nil, fmt.Errorf("apply model overrides: %w", err)
	}

	scanner, err := dlp.NewScannerFromEnv()
	if err != nil {
		return nil, fmt.Errorf("init dlp scanner: %w", err)
	}
	if scanner == nil {
		logger.Warn().Msg("dlp scanner disabled; debug responses carry raw worker output")
	}

	invoker := worker.NewInvoker(logger, worker.Options{
		DefaultTimeout: cfg.Python.Timeout,
		MaxOutputBytes: cfg.Worker.MaxOutputBytes,
		Redact:         scanner.Mask,
	})
	results := cache.New[json.RawMessage](cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	})
	engine := pipeline.NewEngine(pipeline.Settings{
		Executable:     cfg.Python.Executable,
		ScriptDir:      cfg.Worker.ScriptDir,
		PythonPath:     cfg.Python.Path,
		DataRoot:       cfg.Python.DataRoot,
		DefaultTimeout: cfg.Python.Timeout,
	}, invoker, results, logger)

	return &app{cfg: cfg, registry: registry, scanner: scanner, engine: engine}, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
