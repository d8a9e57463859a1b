// Package app wires configuration, storage, drivers and the orchestrator
// into one application context shared by the CLI and the API server.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/config"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/history"
	"github.com/rjeffmyers/vpnrdp/keyring"
	"github.com/rjeffmyers/vpnrdp/notify"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/process"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/rdp"
	"github.com/rjeffmyers/vpnrdp/stats"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// Options overrides the on-disk defaults.
type Options struct {
	// ConfigPath replaces ~/.config/vpnrdp/config.yaml.
	ConfigPath string
	// ProfilesPath replaces ~/.config/vpnrdp/profiles.yaml.
	ProfilesPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
}

// App is the application context.
type App struct {
	Config      *config.Config
	Profiles    *profile.Store
	Secrets     *keyring.Store
	Credentials *credentials.Resolver
	Runner      process.Runner
	Drivers     *vpn.Registry
	RDP         *rdp.FreeRDP

	sessionsOnce sync.Once
	sessionsErr  error
	orch         *orchestrator.Orchestrator
	sampler      *stats.Sampler
	history      *history.Store
	notifier     *notify.Notifier
}

// New loads configuration and profiles and builds the drivers. The
// orchestrator and its observers are created on first use.
func New(opts Options) (*App, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFrom(opts.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		if cfg == nil {
			return nil, err
		}
		common.LogWarn("Could not write default configuration: %v", err)
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if err := common.InitLogger(common.LogConfig{
		Level:      common.ParseLogLevel(level),
		Format:     cfg.Logging.Format,
		EnableFile: cfg.Logging.File,
	}); err != nil {
		common.LogWarn("Could not initialize file logging: %v", err)
	}

	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}

	profilesPath := opts.ProfilesPath
	if profilesPath == "" {
		if profilesPath, err = profile.DefaultPath(); err != nil {
			return nil, err
		}
	}
	profiles, err := profile.NewStore(profilesPath)
	if err != nil {
		return nil, err
	}

	secrets := keyring.New(common.KeyringService, configDir)
	runner := process.ExecRunner{}

	tunnel := vpn.NewTunnelDriver(runner, vpn.TunnelOptions{
		Binary:          cfg.Binaries.OpenVPN,
		PrivilegeHelper: cfg.Binaries.PrivilegeHelper,
		ConfigDirs:      cfg.TunnelConfigDirs(),
	})
	tlsSession := vpn.NewTLSSessionDriver(runner, vpn.TLSSessionOptions{
		Binary:       cfg.Binaries.OpenVPN3,
		StartTimeout: cfg.Connection.TLSStartTimeout,
	})

	return &App{
		Config:      cfg,
		Profiles:    profiles,
		Secrets:     secrets,
		Credentials: credentials.NewResolver(secrets),
		Runner:      runner,
		Drivers:     vpn.NewRegistry(tunnel, tlsSession),
		RDP:         rdp.NewFreeRDP(runner, rdp.Options{Binary: cfg.Binaries.FreeRDP}),
	}, nil
}

// Orchestrator returns the session orchestrator, opening the history
// database and the notifier the first time.
func (a *App) Orchestrator() (*orchestrator.Orchestrator, error) {
	a.sessionsOnce.Do(func() {
		a.sessionsErr = a.initSessions()
	})
	return a.orch, a.sessionsErr
}

func (a *App) initSessions() error {
	var observers []orchestrator.Observer

	if a.Config.History.Enabled {
		path, err := a.Config.HistoryPath()
		if err != nil {
			return err
		}
		store, err := history.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		if a.Config.History.Retention > 0 {
			if n, err := store.Cleanup(context.Background(), a.Config.History.Retention); err != nil {
				common.LogWarn("History cleanup failed: %v", err)
			} else if n > 0 {
				common.LogDebug("History: removed %d expired sessions", n)
			}
		}
		a.history = store
		observers = append(observers, store)
	}

	if a.Config.Notifications.Enabled {
		n, err := notify.New()
		if err != nil {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		} else {
			a.notifier = n
			observers = append(observers, n)
		}
	}

	c := a.Config.Connection
	a.orch = orchestrator.New(a.Profiles, a.Drivers, a.RDP, orchestrator.Options{
		PollAttempts:    c.VPNPollAttempts,
		PollInterval:    c.VPNPollInterval,
		RDPStartupProbe: c.RDPStartupProbe,
		MonitorInterval: c.MonitorInterval,
		StopGrace:       c.StopGracePeriod,
		Observers:       observers,
	})

	var sink stats.Sink
	if a.history != nil {
		sink = a.history
	}
	sampler, err := stats.NewSampler(a.orch, sink, a.Config.Traffic.SampleInterval, a.Config.Traffic.HistoryPoints)
	if err != nil {
		return err
	}
	a.sampler = sampler
	return nil
}

// Sampler returns the traffic sampler. It is nil until Orchestrator has
// been called.
func (a *App) Sampler() *stats.Sampler {
	return a.sampler
}

// History returns the history store, or nil when history is disabled.
func (a *App) History() (*history.Store, error) {
	if _, err := a.Orchestrator(); err != nil {
		return nil, err
	}
	return a.history, nil
}

// Close stops sessions and releases resources.
func (a *App) Close() error {
	if a.sampler != nil {
		if err := a.sampler.Stop(); err != nil {
			common.LogWarn("Stopping traffic sampler: %v", err)
		}
	}
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*a.Config.Connection.StopGracePeriod)
		if err := a.orch.Shutdown(ctx); err != nil {
			common.LogWarn("Shutdown: %v", err)
		}
		cancel()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	var err error
	if a.history != nil {
		err = a.history.Close()
	}
	common.CloseLogger()
	return err
}
