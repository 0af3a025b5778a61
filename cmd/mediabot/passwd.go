package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPasswdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the login secret and re-encrypt stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			current, err := a.readSecret("Current secret: ")
			if err != nil {
				return err
			}
			a.cfg.Auth.Secret = ""
			next, err := a.newSecret("New secret: ")
			if err != nil {
				return err
			}
			if err := v.ChangeSecret(current, next); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "Secret changed. Update auth.secret in the config if it is set there.")
			return nil
		},
	}
}
