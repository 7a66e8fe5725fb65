package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qnnnnez/fullcone-nginx/pkg/exposure"
)

// Settings is the resolved daemon configuration. Values merge from an
// optional YAML file, FULLCONE_* environment variables and command line
// flags, flags winning.
type Settings struct {
	// NginxConf is the stream config file the daemon owns.
	NginxConf string `yaml:"nginx_conf" mapstructure:"nginx_conf"`
	// ReloadCommand is launched after every commit, split on whitespace.
	ReloadCommand string `yaml:"reload_command" mapstructure:"reload_command"`
	// ConntrackBin is the conntrack executable to run in event mode.
	ConntrackBin string `yaml:"conntrack_bin" mapstructure:"conntrack_bin"`
	// AllowedNetworks lists the internal IPv4 networks whose flows may be
	// exposed. In the environment the list is comma separated.
	AllowedNetworks []string `yaml:"allowed_networks" mapstructure:"allowed_networks"`
	// ExtraConf is inserted verbatim into every generated server block.
	ExtraConf string `yaml:"extra_conf" mapstructure:"extra_conf"`
	// LogLevel is a zap level name; it can be changed at runtime through
	// the config file.
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// MetricsListen is the address of the metrics/health listener.
	// Empty disables it.
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`
}

// ReloadArgv returns the reload command as an argument vector. Quotes in
// the command line are not interpreted.
func (s *Settings) ReloadArgv() []string {
	return strings.Fields(s.ReloadCommand)
}

// Networks parses the allow-list entries into prefixes.
func (s *Settings) Networks() ([]netip.Prefix, error) {
	return exposure.ParseNetworks(s.AllowedNetworks)
}

// flagBindings maps viper keys to the command line flags feeding them.
var flagBindings = map[string]string{
	"nginx_conf":       "nginx-conf",
	"reload_command":   "reload-command",
	"conntrack_bin":    "conntrack-bin",
	"allowed_networks": "allowed-network",
	"extra_conf":       "extra-conf",
	"log_level":        "log-level",
	"metrics_listen":   "metrics-listen",
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Settings
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial
// configuration. configPath may be empty, then only flags, environment
// and defaults apply. flags may be nil.
func NewManager(configPath string, flags *pflag.FlagSet, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()

	// Set defaults; every key must have one so that environment values
	// are picked up during unmarshal.
	viperInstance.SetDefault("nginx_conf", "")
	viperInstance.SetDefault("reload_command", "")
	viperInstance.SetDefault("conntrack_bin", "conntrack")
	viperInstance.SetDefault("allowed_networks", []string{})
	viperInstance.SetDefault("extra_conf", "")
	viperInstance.SetDefault("log_level", "info")
	viperInstance.SetDefault("metrics_listen", "")

	viperInstance.SetEnvPrefix("FULLCONE")
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viperInstance.AutomaticEnv()

	if flags != nil {
		for key, flagName := range flagBindings {
			flag := flags.Lookup(flagName)
			if flag == nil {
				continue
			}
			if err := viperInstance.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", flagName, err)
			}
		}
	}

	if configPath != "" {
		viperInstance.SetConfigFile(configPath)
	}

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	settings, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = settings

	return manager, nil
}

// Load reads the config sources, unmarshals them, and validates.
func (m *Manager) Load() (*Settings, error) {
	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var settings Settings
	if err := m.viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&settings); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &settings, nil
}

// Validate checks the configuration for correctness.
func Validate(s *Settings) error {
	if s.NginxConf == "" {
		return fmt.Errorf("nginx_conf is required")
	}
	if len(s.ReloadArgv()) == 0 {
		return fmt.Errorf("reload_command is required")
	}
	if s.ConntrackBin == "" {
		return fmt.Errorf("conntrack_bin is required")
	}

	if len(s.AllowedNetworks) == 0 {
		return fmt.Errorf("at least one allowed network is required")
	}
	if _, err := s.Networks(); err != nil {
		return err
	}

	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", s.LogLevel, err)
	}

	if s.MetricsListen != "" {
		_, port, err := net.SplitHostPort(s.MetricsListen)
		if err != nil {
			return fmt.Errorf("invalid metrics_listen %q: %w", s.MetricsListen, err)
		}
		if port == "" || port == "0" {
			return fmt.Errorf("metrics_listen port must be a positive number")
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes. On change, it
// reloads and validates; if valid, updates the current settings and
// notifies via the onChange channel. Without a config file this is a
// no-op.
func (m *Manager) WatchConfig() {
	if m.configPath == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		settings, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = settings
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetSettings returns a snapshot of the current configuration.
func (m *Manager) GetSettings() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
