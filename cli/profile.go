package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/profile"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List connection profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles := appInstance.Profiles.List()
		if len(profiles) == 0 {
			fmt.Println("No profiles configured.")
			fmt.Println("Add one with: vpnrdp add <name> --vpn-config <config> --host <host>")
			return nil
		}
		printProfiles(os.Stdout, profiles)
		return nil
	},
}

func printProfiles(out io.Writer, profiles []*profile.Profile) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVPN\tCONFIG\tHOST\tLAST USED")
	fmt.Fprintln(w, "----\t---\t------\t----\t---------")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.VPNKind, p.VPNConfigRef, p.RDPHost, formatWhen(p.LastUsed))
	}
	w.Flush()
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

var showCmd = &cobra.Command{
	Use:               "show <profile>",
	Short:             "Show profile details",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		printProfile(os.Stdout, p, appInstance.Credentials.Stored(p))
		return nil
	},
}

func printProfile(out io.Writer, p *profile.Profile, stored map[credentials.Kind]bool) {
	fmt.Fprintln(out, headerStyle.Render(p.Name))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  VPN:\t%s %s\n", p.VPNKind, p.VPNConfigRef)
	if p.VPNUsername != "" {
		fmt.Fprintf(w, "  VPN user:\t%s\n", p.VPNUsername)
	}
	fmt.Fprintf(w, "  Host:\t%s\n", p.RDPHost)
	user := p.RDPUsername
	if p.RDPDomain != "" {
		user = p.RDPDomain + `\` + user
	}
	if user != "" {
		fmt.Fprintf(w, "  User:\t%s\n", user)
	}
	fmt.Fprintf(w, "  Display:\t%s\n", displaySummary(p.Display))
	fmt.Fprintf(w, "  Audio:\t%s\n", p.Advanced.Audio)
	security := "RDP"
	if p.Advanced.NLA {
		security = "NLA"
	}
	fmt.Fprintf(w, "  Security:\t%s\n", security)
	fmt.Fprintf(w, "  Passwords:\tvpn %s  rdp %s\n", check(stored[credentials.KindVPN]), check(stored[credentials.KindRDP]))
	fmt.Fprintf(w, "  Last used:\t%s\n", formatWhen(p.LastUsed))
	w.Flush()
}

func displaySummary(d profile.Display) string {
	var parts []string
	if d.Fullscreen {
		parts = append(parts, "fullscreen")
	} else {
		parts = append(parts, d.Resolution)
	}
	if d.MultiMonitor {
		if len(d.Monitors) > 0 {
			parts = append(parts, "monitors "+joinInts(d.Monitors))
		} else {
			parts = append(parts, "all monitors")
		}
	}
	return strings.Join(parts, ", ")
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ",")
}

var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a connection profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := profileFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Profiles.Add(p); err != nil {
			return err
		}
		fmt.Printf("%s Profile %s added\n", okStyle.Render("✓"), p.Name)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:               "edit <name>",
	Short:             "Change settings of a profile",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		if err := applyProfileFlags(cmd, p); err != nil {
			return err
		}
		if err := appInstance.Profiles.Update(p); err != nil {
			return err
		}
		fmt.Printf("%s Profile %s updated\n", okStyle.Render("✓"), p.Name)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:               "remove <name>",
	Aliases:           []string{"rm"},
	Short:             "Remove a profile and its stored passwords",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Profiles.Remove(p.Name); err != nil {
			return err
		}
		if err := appInstance.Credentials.Forget(p); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: stored passwords not removed: %v\n", err)
		}
		fmt.Printf("%s Profile %s removed\n", okStyle.Render("✓"), p.Name)
		return nil
	},
}

// profileFromFlags builds a new profile from the add flags.
func profileFromFlags(cmd *cobra.Command, name string) (*profile.Profile, error) {
	p := profile.New(name, profile.KindTunnel, "", "")
	if err := applyProfileFlags(cmd, p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyProfileFlags copies the flags the user set onto p.
func applyProfileFlags(cmd *cobra.Command, p *profile.Profile) error {
	f := cmd.Flags()
	if f.Changed("vpn-kind") {
		kind, _ := f.GetString("vpn-kind")
		p.VPNKind = profile.VPNKind(kind)
	}
	if f.Changed("vpn-config") {
		p.VPNConfigRef, _ = f.GetString("vpn-config")
	}
	if f.Changed("vpn-user") {
		p.VPNUsername, _ = f.GetString("vpn-user")
	}
	if f.Changed("host") {
		p.RDPHost, _ = f.GetString("host")
	}
	if f.Changed("user") {
		p.RDPUsername, _ = f.GetString("user")
	}
	if f.Changed("domain") {
		p.RDPDomain, _ = f.GetString("domain")
	}
	if f.Changed("size") {
		p.Display.Resolution, _ = f.GetString("size")
		p.Display.Fullscreen = false
	}
	if f.Changed("fullscreen") {
		p.Display.Fullscreen, _ = f.GetBool("fullscreen")
	}
	if f.Changed("monitors") {
		p.Display.Monitors, _ = f.GetIntSlice("monitors")
		p.Display.MultiMonitor = true
	}
	if f.Changed("multimon") {
		p.Display.MultiMonitor, _ = f.GetBool("multimon")
	}
	if f.Changed("audio") {
		audio, _ := f.GetString("audio")
		p.Advanced.Audio = profile.AudioMode(audio)
	}
	if f.Changed("clipboard") {
		p.Advanced.Clipboard, _ = f.GetBool("clipboard")
	}
	if f.Changed("home-drive") {
		p.Advanced.RedirectHome, _ = f.GetBool("home-drive")
	}
	if f.Changed("nla") {
		p.Advanced.NLA, _ = f.GetBool("nla")
	}
	if f.Changed("compression") {
		p.Advanced.Compression, _ = f.GetBool("compression")
	}
	if f.Changed("save-passwords") {
		p.SavePasswords, _ = f.GetBool("save-passwords")
	}
	return p.Validate()
}

func addProfileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("vpn-kind", string(profile.KindTunnel), "VPN client: tunnel (openvpn) or tls-session (openvpn3)")
	f.String("vpn-config", "", "VPN config file or openvpn3 config name")
	f.String("vpn-user", "", "VPN username")
	f.String("host", "", "remote desktop host")
	f.StringP("user", "u", "", "remote desktop username")
	f.StringP("domain", "d", "", "remote desktop domain")
	f.Bool("fullscreen", true, "open the remote desktop fullscreen")
	f.String("size", "", "window size WIDTHxHEIGHT (implies --fullscreen=false)")
	f.Bool("multimon", false, "span all monitors")
	f.IntSlice("monitors", nil, "monitor indices to span (implies --multimon)")
	f.String("audio", string(profile.AudioLocal), "audio playback: local, remote or disabled")
	f.Bool("clipboard", true, "share the clipboard")
	f.Bool("home-drive", false, "redirect the home directory as a drive")
	f.Bool("nla", true, "use network level authentication")
	f.Bool("compression", true, "enable compression")
	f.Bool("save-passwords", false, "save prompted passwords in the keyring")
}

func completeProfileNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	path, err := profile.DefaultPath()
	if p, _ := cmd.Flags().GetString("profiles"); p != "" {
		path, err = p, nil
	}
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	store, err := profile.NewStore(path)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var names []string
	for _, p := range store.List() {
		if strings.HasPrefix(p.Name, toComplete) {
			names = append(names, p.Name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	addProfileFlags(addCmd)
	addProfileFlags(editCmd)
	_ = addCmd.MarkFlagRequired("vpn-config")
	_ = addCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(listCmd, showCmd, addCmd, editCmd, removeCmd)
}
