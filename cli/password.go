package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/credentials"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage stored passwords",
}

var passwordSetCmd = &cobra.Command{
	Use:               "set <profile>",
	Short:             "Store a password in the keyring",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		kindFlag, _ := cmd.Flags().GetString("kind")
		kind := credentials.Kind(kindFlag)
		if kind != credentials.KindVPN && kind != credentials.KindRDP {
			return fmt.Errorf("unknown password kind %q (want vpn or rdp)", kindFlag)
		}
		if kind == credentials.KindVPN && !p.NeedsVPNSecret() {
			return fmt.Errorf("profile %s does not use a VPN password", p.Name)
		}

		secret, err := promptPassword(promptLabel(p, kind))
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("empty password not stored")
		}
		if err := appInstance.Credentials.Save(p, kind, secret); err != nil {
			return err
		}
		where := "system keyring"
		if appInstance.Secrets.UsingFallback() {
			where = "encrypted file"
		}
		fmt.Printf("%s %s password for %s saved to the %s\n", okStyle.Render("✓"), kind, p.Name, where)
		return nil
	},
}

var passwordClearCmd = &cobra.Command{
	Use:               "clear <profile>",
	Short:             "Remove the stored passwords of a profile",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := appInstance.Profiles.Get(args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Credentials.Forget(p); err != nil {
			return err
		}
		fmt.Printf("%s Stored passwords for %s removed\n", okStyle.Render("✓"), p.Name)
		return nil
	},
}

func init() {
	passwordSetCmd.Flags().String("kind", string(credentials.KindRDP), "which password: vpn or rdp")

	passwordCmd.AddCommand(passwordSetCmd, passwordClearCmd)
	rootCmd.AddCommand(passwordCmd)
}
