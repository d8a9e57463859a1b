package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/stats"
)

// sessionControl is the part of the orchestrator connect drives.
type sessionControl interface {
	Connect(ctx context.Context, profileName string, creds credentials.Credentials) (string, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan orchestrator.Snapshot, error)
	Disconnect(ctx context.Context, sessionID string) error
}

type secretStore interface {
	ResolveAll(p *profile.Profile) (credentials.Credentials, []credentials.Kind, error)
	Save(p *profile.Profile, kind credentials.Kind, secret string) error
}

var connectCmd = &cobra.Command{
	Use:   "connect <profile>",
	Short: "Connect to a profile and stay attached until it ends",
	Long: `Bring up the profile's VPN, open the remote desktop once the tunnel is
up, and wait. Closing the remote desktop or pressing Ctrl-C tears both down.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		orch, err := appInstance.Orchestrator()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if sampler := appInstance.Sampler(); sampler != nil {
			if err := sampler.Start(ctx); err != nil {
				common.LogWarn("Traffic sampler not started: %v", err)
			}
		}

		save, _ := cmd.Flags().GetBool("save-password")
		attempts, _ := cmd.Flags().GetInt("attempts")
		r := &connectRunner{
			sessions:    orch,
			secrets:     appInstance.Credentials,
			prompt:      promptPassword,
			out:         os.Stdout,
			save:        save || p.SavePasswords,
			attempts:    attempts,
			stopTimeout: 2 * appInstance.Config.Connection.StopGracePeriod,
		}
		if !isInteractive() {
			r.attempts = 1
		}
		final, err := r.run(ctx, p)
		if err != nil {
			return err
		}
		printTraffic(r.out, appInstance.Sampler())
		if final.State == orchestrator.StateFailed && final.Err != nil {
			return final.Err
		}
		return nil
	},
}

// connectRunner runs one foreground connection, re-prompting after an
// authentication failure.
type connectRunner struct {
	sessions    sessionControl
	secrets     secretStore
	prompt      promptFunc
	out         io.Writer
	save        bool
	attempts    int
	stopTimeout time.Duration
}

// run connects p and returns the terminal snapshot of the last attempt.
func (r *connectRunner) run(ctx context.Context, p *profile.Profile) (orchestrator.Snapshot, error) {
	creds, missing, err := r.secrets.ResolveAll(p)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}
	defer creds.Wipe()

	attempts := max(r.attempts, 1)
	for attempt := 1; ; attempt++ {
		prompted := make(map[credentials.Kind]string)
		for _, kind := range missing {
			secret, err := r.prompt(promptLabel(p, kind))
			if err != nil {
				return orchestrator.Snapshot{}, err
			}
			creds.Set(kind, secret)
			prompted[kind] = secret
		}

		id, err := r.sessions.Connect(ctx, p.Name, creds)
		if err != nil {
			return orchestrator.Snapshot{}, err
		}
		final, side, connected, err := r.follow(ctx, id)
		if err != nil {
			return final, err
		}
		if connected && r.save {
			for kind, secret := range prompted {
				if err := r.secrets.Save(p, kind, secret); err != nil {
					fmt.Fprintf(r.out, "%s %v\n", pendingStyle.Render("!"), err)
				}
			}
		}

		authFailed := final.State == orchestrator.StateFailed && common.KindOf(final.Err) == common.KindAuthFailed
		if !authFailed || side == "" || attempt >= attempts || ctx.Err() != nil {
			return final, nil
		}
		fmt.Fprintf(r.out, "%s %s password rejected, try again\n", pendingStyle.Render("!"), side)
		missing = []credentials.Kind{side}
	}
}

// follow prints the session's transitions until it ends. An interrupt on
// ctx turns into a Disconnect. side names the connection that was being
// brought up when the session failed.
func (r *connectRunner) follow(ctx context.Context, id string) (final orchestrator.Snapshot, side credentials.Kind, connected bool, err error) {
	events, err := r.sessions.Subscribe(context.Background(), id)
	if err != nil {
		return final, "", false, err
	}

	var prev orchestrator.State
	printer := &snapshotPrinter{out: r.out}
	interrupted := ctx.Done()
	for {
		select {
		case snap, ok := <-events:
			if !ok {
				return final, side, connected, nil
			}
			printer.print(snap)
			switch snap.State {
			case orchestrator.StateConnected:
				connected = true
			case orchestrator.StateFailed:
				side = sideOf(prev)
			}
			prev = snap.State
			final = snap
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(r.out, subtleStyle.Render("Interrupted, disconnecting..."))
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
				defer cancel()
				if err := r.sessions.Disconnect(dctx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
					common.LogWarn("Disconnect %s: %v", id, err)
				}
			}()
		}
	}
}

func sideOf(s orchestrator.State) credentials.Kind {
	switch s {
	case orchestrator.StateConnectingVPN:
		return credentials.KindVPN
	case orchestrator.StateVPNUp, orchestrator.StateConnectingRDP:
		return credentials.KindRDP
	}
	return ""
}

func promptLabel(p *profile.Profile, kind credentials.Kind) string {
	switch kind {
	case credentials.KindVPN:
		if p.VPNUsername != "" {
			return fmt.Sprintf("VPN password for %s@%s: ", p.VPNUsername, p.Name)
		}
		return fmt.Sprintf("VPN password for %s: ", p.Name)
	default:
		if p.RDPUsername != "" {
			return fmt.Sprintf("Remote desktop password for %s@%s: ", p.RDPUsername, p.RDPHost)
		}
		return fmt.Sprintf("Remote desktop password for %s: ", p.RDPHost)
	}
}

// snapshotPrinter writes one line per transition, followed by any new
// warnings and the first appearance of an error.
type snapshotPrinter struct {
	out      io.Writer
	warnings int
	errShown bool
}

func (p *snapshotPrinter) print(s orchestrator.Snapshot) {
	label := stateStyle(s.State).Render(stateSymbol(s.State) + " " + s.State.String())
	fmt.Fprintf(p.out, "%s %s\n", subtleStyle.Render(s.At.Local().Format("15:04:05")), label)
	for _, w := range s.Warnings[min(p.warnings, len(s.Warnings)):] {
		fmt.Fprintf(p.out, "    %s %s\n", pendingStyle.Render("warning:"), w)
	}
	p.warnings = len(s.Warnings)
	if s.Err != nil && !p.errShown {
		fmt.Fprintf(p.out, "    %s %s\n", errorStyle.Render("error:"), s.Err.Error())
		p.errShown = true
	}
}

func printTraffic(out io.Writer, sampler *stats.Sampler) {
	if sampler == nil {
		return
	}
	last, ok := sampler.Latest()
	if !ok {
		return
	}
	fmt.Fprintf(out, "%s %s in, %s out\n", subtleStyle.Render("Traffic:"),
		stats.FormatBytes(last.BytesIn), stats.FormatBytes(last.BytesOut))
}

func init() {
	connectCmd.Flags().Bool("save-password", false, "save prompted passwords in the keyring after a successful connect")
	connectCmd.Flags().Int("attempts", 3, "password attempts before giving up")

	rootCmd.AddCommand(connectCmd)
}
