// Package config provides configuration management for the VPN+RDP Manager.
// It handles loading, saving, and validating the orchestration tunables,
// external binary locations and observer settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Connection    ConnectionConfig    `yaml:"connection"`
	Binaries      BinariesConfig      `yaml:"binaries"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Traffic       TrafficConfig       `yaml:"traffic"`
	History       HistoryConfig       `yaml:"history"`
	API           APIConfig           `yaml:"api"`
}

// ConnectionConfig holds the orchestrator's timing budget.
type ConnectionConfig struct {
	// VPNPollAttempts is how many status samples are taken before giving up.
	VPNPollAttempts int `yaml:"vpn_poll_attempts"`
	// VPNPollInterval is the wait before each status sample.
	VPNPollInterval time.Duration `yaml:"vpn_poll_interval"`
	// RDPStartupProbe is how long the RDP client must survive after launch.
	RDPStartupProbe time.Duration `yaml:"rdp_startup_probe"`
	// MonitorInterval is how often a connected session is checked.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// StopGracePeriod bounds the wait after a termination signal.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	// TLSStartTimeout bounds a single openvpn3 session-start.
	TLSStartTimeout time.Duration `yaml:"tls_start_timeout"`
}

// BinariesConfig overrides the external client binaries.
// Empty values mean "look up on PATH".
type BinariesConfig struct {
	OpenVPN  string `yaml:"openvpn"`
	OpenVPN3 string `yaml:"openvpn3"`
	FreeRDP  string `yaml:"freerdp"`
	// PrivilegeHelper is prepended to the tunnel client command line,
	// e.g. "pkexec" or "sudo -n". Empty runs openvpn directly.
	PrivilegeHelper string `yaml:"privilege_helper"`
}

// TunnelConfig lists the directories searched for tunnel client configs.
type TunnelConfig struct {
	ConfigDirs []string `yaml:"config_dirs"`
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   bool   `yaml:"file"`
	Format string `yaml:"format"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TrafficConfig configures the VPN traffic sampler.
type TrafficConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	HistoryPoints  int           `yaml:"history_points"`
}

// HistoryConfig configures the session history database.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path of the SQLite database; empty uses the data directory.
	Path string `yaml:"path"`
	// Retention is how long finished sessions are kept.
	Retention time.Duration `yaml:"retention"`
}

// APIConfig configures the local status server.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth,
	// which is only accepted on loopback addresses.
	TokenHash string `yaml:"token_hash"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			VPNPollAttempts: common.VPNPollAttempts,
			VPNPollInterval: common.VPNPollInterval,
			RDPStartupProbe: common.RDPStartupProbe,
			MonitorInterval: common.MonitorInterval,
			StopGracePeriod: common.StopGracePeriod,
			TLSStartTimeout: common.TLSStartTimeout,
		},
		Tunnel: TunnelConfig{
			ConfigDirs: []string{
				"~/.config/" + common.ConfigDirName + "/tunnel",
				"/etc/openvpn/client",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   true,
			Format: "console",
		},
		Notifications: NotificationsConfig{Enabled: true},
		Traffic: TrafficConfig{
			SampleInterval: common.TrafficSampleInterval,
			HistoryPoints:  common.TrafficHistoryPoints,
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: 90 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: common.DefaultAPIListen,
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there when
// the file does not exist yet. Missing keys keep their default values.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	config.validate()
	return config, nil
}

// validate replaces out-of-range values with their defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	if c.Connection.VPNPollAttempts < 1 {
		common.LogWarn("config: vpn_poll_attempts %d invalid, using %d", c.Connection.VPNPollAttempts, def.Connection.VPNPollAttempts)
		c.Connection.VPNPollAttempts = def.Connection.VPNPollAttempts
	}
	fixDuration(&c.Connection.VPNPollInterval, def.Connection.VPNPollInterval, "vpn_poll_interval")
	fixDuration(&c.Connection.RDPStartupProbe, def.Connection.RDPStartupProbe, "rdp_startup_probe")
	fixDuration(&c.Connection.MonitorInterval, def.Connection.MonitorInterval, "monitor_interval")
	fixDuration(&c.Connection.StopGracePeriod, def.Connection.StopGracePeriod, "stop_grace_period")
	fixDuration(&c.Connection.TLSStartTimeout, def.Connection.TLSStartTimeout, "tls_start_timeout")
	fixDuration(&c.Traffic.SampleInterval, def.Traffic.SampleInterval, "traffic.sample_interval")

	if c.Traffic.HistoryPoints < 1 {
		c.Traffic.HistoryPoints = def.Traffic.HistoryPoints
	}
	if c.History.Retention < 0 {
		c.History.Retention = def.History.Retention
	}
	if len(c.Tunnel.ConfigDirs) == 0 {
		c.Tunnel.ConfigDirs = def.Tunnel.ConfigDirs
	}

	validFormats := []string{"console", "json"}
	if !common.StringInSlice(c.Logging.Format, validFormats) {
		c.Logging.Format = "console" // Fallback to default
	}
	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}
}

func fixDuration(d *time.Duration, def time.Duration, name string) {
	if *d <= 0 {
		common.LogWarn("config: %s %v invalid, using %v", name, *d, def)
		*d = def
	}
}

// TunnelConfigDirs returns the tunnel search directories with "~" expanded.
func (c *Config) TunnelConfigDirs() []string {
	dirs := make([]string, 0, len(c.Tunnel.ConfigDirs))
	for _, d := range c.Tunnel.ConfigDirs {
		dirs = append(dirs, common.ExpandHome(d))
	}
	return dirs
}

// HistoryPath returns the history database path, defaulting to the data
// directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return common.ExpandHome(c.History.Path), nil
	}
	dataDir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, common.HistoryFileName), nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to path.
func (c *Config) SaveTo(configPath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %v", common.ErrConfigSave, err)
	}

	return nil
}

// Path returns the default configuration file path.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
