// Package cli provides the command-line interface: profile management,
// dependency checks and the connect command that drives a session in the
// foreground.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/app"
	"github.com/rjeffmyers/vpnrdp/common"
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var (
	appInstance *app.App
	buildInfo   = BuildInfo{Version: "dev", Commit: "unknown", Date: "unknown"}
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vpnrdp",
	Short: "Connect to remote desktops through a VPN",
	Long: `vpnrdp - VPN + Remote Desktop connection manager

  Brings up the VPN of a saved profile, opens the remote desktop once the
  tunnel is up, and tears both down together.

  Quick start:
    vpnrdp add office --vpn-config office.ovpn --host 10.20.0.5 --user alice
    vpnrdp check
    vpnrdp connect office`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipApp(cmd) {
			return nil
		}
		configPath, _ := cmd.Flags().GetString("config")
		profilesPath, _ := cmd.Flags().GetString("profiles")
		logLevel, _ := cmd.Flags().GetString("log-level")
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel = "debug"
		}

		var err error
		appInstance, err = app.New(app.Options{
			ConfigPath:   configPath,
			ProfilesPath: profilesPath,
			LogLevel:     logLevel,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			err := appInstance.Close()
			appInstance = nil
			return err
		}
		return nil
	},
}

// skipApp reports whether cmd runs without loading configuration.
func skipApp(cmd *cobra.Command) bool {
	return cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == cobra.ShellCompRequestCmd
}

// Execute executes the root command
func Execute(info BuildInfo) {
	buildInfo = info
	rootCmd.Version = info.Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		if appInstance != nil {
			appInstance.Close()
		}
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("profiles", "", "profiles file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", common.AppName, buildInfo.Version)
		if buildInfo.Commit != "unknown" {
			fmt.Printf("  Build:  %s\n", buildInfo.Date)
			fmt.Printf("  Commit: %s\n", buildInfo.Commit)
		}
	},
}

// exitCode maps a session failure onto a process exit status.
func exitCode(err error) int {
	switch common.KindOf(err) {
	case common.KindAuthFailed:
		return 3
	case common.KindNotFound, common.KindConfigInvalid:
		return 2
	case common.KindBusy:
		return 4
	case common.KindTimeout:
		return 5
	default:
		return 1
	}
}
