package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// dependency is an external client the manager can drive.
type dependency struct {
	Name    string
	Purpose string
	// Alternatives are tried in order; the first found wins.
	Alternatives []string
}

var dependencies = []dependency{
	{Name: "openvpn", Purpose: "tunnel profiles", Alternatives: []string{"openvpn"}},
	{Name: "openvpn3", Purpose: "tls-session profiles", Alternatives: []string{"openvpn3"}},
	{Name: "freerdp", Purpose: "remote desktop", Alternatives: []string{"xfreerdp3", "xfreerdp"}},
}

type dependencyStatus struct {
	dependency
	Path string
}

// checkDependencies probes all dependencies concurrently.
func checkDependencies(ctx context.Context, deps []dependency, lookPath func(string) (string, error)) ([]dependencyStatus, error) {
	out := make([]dependencyStatus, len(deps))
	g, ctx := errgroup.WithContext(ctx)
	for i, dep := range deps {
		g.Go(func() error {
			out[i] = dependencyStatus{dependency: dep}
			for _, name := range dep.Alternatives {
				if err := ctx.Err(); err != nil {
					return err
				}
				if path, err := lookPath(name); err == nil {
					out[i].Path = path
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the VPN and remote desktop clients are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps := configuredDependencies()
		statuses, err := checkDependencies(cmd.Context(), deps, appInstance.Runner.LookPath)
		if err != nil {
			return err
		}
		missing := printDependencies(os.Stdout, statuses)
		if missing > 0 {
			return fmt.Errorf("%d of %d clients missing", missing, len(statuses))
		}
		return nil
	},
}

// configuredDependencies applies binary overrides from the configuration.
func configuredDependencies() []dependency {
	b := appInstance.Config.Binaries
	overrides := map[string]string{"openvpn": b.OpenVPN, "openvpn3": b.OpenVPN3, "freerdp": b.FreeRDP}
	deps := make([]dependency, len(dependencies))
	for i, d := range dependencies {
		deps[i] = d
		if o := overrides[d.Name]; o != "" {
			deps[i].Alternatives = []string{o}
		}
	}
	return deps
}

func printDependencies(out io.Writer, statuses []dependencyStatus) int {
	missing := 0
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range statuses {
		where := s.Path
		if where == "" {
			where = subtleStyle.Render("not found")
			missing++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", check(s.Path != ""), s.Name, s.Purpose, where)
	}
	w.Flush()
	return missing
}

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List VPN configs available to profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, errs, err := collectConfigs(cmd.Context(), appInstance.Drivers.All())
		if err != nil {
			return common.NewError(common.KindCancelled, "listing configs", err)
		}
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "%s %v\n", pendingStyle.Render("!"), err)
		}
		if len(configs) == 0 {
			fmt.Println("No VPN configs found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tCONFIG\tSOURCE")
		fmt.Fprintln(w, "----\t------\t------")
		for _, c := range configs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Kind, c.Ref, c.Source)
		}
		w.Flush()
		return nil
	},
}

// collectConfigs enumerates the configs of every driver concurrently. A
// driver that fails to list lands in the returned slice so the others
// still show; only an interrupted ctx fails the group and stops them all.
func collectConfigs(ctx context.Context, drivers []vpn.Driver) ([]vpn.ConfigInfo, []error, error) {
	results := make([][]vpn.ConfigInfo, len(drivers))
	errs := make([]error, len(drivers))

	g, ctx := errgroup.WithContext(ctx)
	for i, d := range drivers {
		lister, ok := d.(vpn.ConfigLister)
		if !ok {
			continue
		}
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, common.TLSStartTimeout)
			defer cancel()
			list, err := lister.ListConfigs(qctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs[i] = fmt.Errorf("%s: %w", d.Kind(), err)
				return nil
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var all []vpn.ConfigInfo
	for _, r := range results {
		all = append(all, r...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Kind != all[j].Kind {
			return all[i].Kind < all[j].Kind
		}
		return all[i].Ref < all[j].Ref
	})

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return all, failed, nil
}

func init() {
	rootCmd.AddCommand(checkCmd, configsCmd)
}
