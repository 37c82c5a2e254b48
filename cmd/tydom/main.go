package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"tydom-go/internal/store"
	"tydom-go/internal/tydom"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Gateway struct {
		MAC      string `yaml:"mac"`
		Password string `yaml:"password"`
		Mode     string `yaml:"mode"` // "auto", "local", "remote"
		Host     string `yaml:"host"` // optional static fallback candidate
	} `yaml:"gateway"`
	Cloud struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"cloud"`
	TLS struct {
		Verify bool `yaml:"verify"`
	} `yaml:"tls"`
	Timeout string `yaml:"timeout"`
	Polling struct {
		IntervalSeconds int  `yaml:"interval_seconds"`
		OnlyWhenActive  bool `yaml:"only_when_active"`
	} `yaml:"polling"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		AlarmPIN    string `yaml:"alarm_pin"`
		LegacyZones bool   `yaml:"legacy_zones"`
	} `yaml:"mqtt"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Gateway.MAC == "" {
		return fmt.Errorf("gateway.mac is required")
	}
	if _, err := tydom.NormalizeMAC(c.Gateway.MAC); err != nil {
		return fmt.Errorf("gateway.mac: %w", err)
	}
	switch c.Gateway.Mode {
	case "", "auto", "local", "remote":
	default:
		return fmt.Errorf("gateway.mode must be auto, local or remote, got %q", c.Gateway.Mode)
	}
	if c.Gateway.Password == "" && c.Cloud.Email == "" {
		return fmt.Errorf("either gateway.password or cloud credentials are required")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tydom-go starting", "version", version)

	mac, _ := tydom.NormalizeMAC(cfg.Gateway.MAC)
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		bootLogger.Error("invalid timeout", "value", cfg.Timeout)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	clientCfg := tydom.Config{
		MAC:       mac,
		Password:  cfg.Gateway.Password,
		VerifyTLS: cfg.TLS.Verify,
		Timeout:   timeout,
		Polling: tydom.PollingConfig{
			Interval:       time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
			OnlyWhenActive: cfg.Polling.OnlyWhenActive,
		},
	}

	var cloud *tydom.CloudClient
	if cfg.Cloud.Email != "" {
		clientCfg.Cloud = &tydom.CloudCredentials{Email: cfg.Cloud.Email, Password: cfg.Cloud.Password}
		cloud = tydom.NewCloudClient(logger)
	}

	discoverers := []tydom.Discoverer{tydom.NewMDNSDiscoverer(mac, logger)}
	if cfg.Gateway.Host != "" {
		discoverers = append(discoverers, &tydom.StaticDiscoverer{Hosts: []string{cfg.Gateway.Host}})
	}
	discoverer := tydom.NewMultiDiscoverer(logger, discoverers...)

	client, err := tydom.NewClient(clientCfg, db, discoverer, cloud, logger)
	if err != nil {
		logger.Error("create client", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	// Start MQTT bridge and automation engine (no-ops under their build tags).
	mqtt := initMQTT(client, cfg, logger)
	auto := initAutomation(client, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	override := overrideFromMode(cfg.Gateway.Mode)
	go runLoop(ctx, client, override, logger)
	go watchdog(ctx, client, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	auto.Stop()
	mqtt.Stop()
	client.Close()

	logger.Info("goodbye")
}

// runLoop keeps one gateway session alive, reconnecting with backoff when
// the stream ends. Reconnection lives here, outside the client core.
func runLoop(ctx context.Context, client *tydom.Client, override tydom.Override, logger *slog.Logger) {
	backoff := 5 * time.Second
	for {
		start := time.Now()
		err := client.Run(ctx, override)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("session", "err", err)
		}
		if time.Since(start) > time.Minute {
			backoff = 5 * time.Second
		}
		logger.Info("reconnecting", "in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

// watchdog pings the gateway and forces a reconnect when pongs stop.
func watchdog(ctx context.Context, client *tydom.Client, logger *slog.Logger) {
	const pingInterval = 30 * time.Second
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Ping(ctx); err != nil {
				continue // not connected; runLoop is on it
			}
			if client.PongOverdue(3 * pingInterval) {
				logger.Warn("pong overdue, forcing reconnect")
				client.Disconnect()
			}
		}
	}
}

func overrideFromMode(mode string) tydom.Override {
	switch mode {
	case "local":
		return tydom.ForceLocal
	case "remote":
		return tydom.ForceRemote
	default:
		return tydom.OverrideNone
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tydom.db"
	}
	if cfg.Timeout == "" {
		cfg.Timeout = "10s"
	}
	if cfg.Polling.IntervalSeconds == 0 {
		cfg.Polling.IntervalSeconds = 300
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tydom"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
