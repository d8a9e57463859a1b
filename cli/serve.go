package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API",
	Long: `Serve session control and status over HTTP. Sessions started through the
API use stored passwords only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appInstance.Config
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.API.Listen
		}
		if err := server.CheckListen(listen, cfg.API.TokenHash); err != nil {
			return err
		}

		orch, err := appInstance.Orchestrator()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := server.Options{
			Profiles:          appInstance.Profiles,
			Credentials:       appInstance.Credentials,
			TokenHash:         cfg.API.TokenHash,
			DisconnectTimeout: 2 * cfg.Connection.StopGracePeriod,
		}
		if sampler := appInstance.Sampler(); sampler != nil {
			if err := sampler.Start(ctx); err != nil {
				return err
			}
			opts.Traffic = sampler
		}
		if store, _ := appInstance.History(); store != nil {
			opts.History = store
		}

		rotation, err := scheduleLogRotation()
		if err != nil {
			return err
		}
		defer rotation.Shutdown()

		if cfg.API.TokenHash == "" {
			common.LogWarn("API authentication disabled; run 'vpnrdp serve token' to enable it")
		}
		fmt.Printf("%s Listening on http://%s\n", okStyle.Render("●"), listen)
		return server.New(orch, opts).ListenAndServe(ctx, listen)
	},
}

// logRotationInterval is how often a long-running serve checks the log size.
const logRotationInterval = 10 * time.Minute

func scheduleLogRotation() (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(logRotationInterval),
		gocron.NewTask(common.GetLogger().CheckRotation),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.Start()
	return s, nil
}

var serveTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a new API bearer token",
	Long: `Generate a bearer token for the API. Only its bcrypt hash is stored in the
configuration, so the token is shown once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, hash, err := server.GenerateToken()
		if err != nil {
			return err
		}
		appInstance.Config.API.TokenHash = hash
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			err = appInstance.Config.SaveTo(configPath)
		} else {
			err = appInstance.Config.Save()
		}
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintln(os.Stderr, subtleStyle.Render("Store this token now; it cannot be shown again."))
		return nil
	},
}

var serveTokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Disable API token authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance.Config.API.TokenHash = ""
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			return appInstance.Config.SaveTo(configPath)
		}
		return appInstance.Config.Save()
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default from config)")

	serveTokenCmd.AddCommand(serveTokenClearCmd)
	serveCmd.AddCommand(serveTokenCmd)
	rootCmd.AddCommand(serveCmd)
}

