package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/akstspace/media-mgmt-agent/examples"
	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create the credential vault",
		Long: `Writes config.yaml into the target directory unless one exists, then
creates the encrypted vault and sets the operator login. Existing files
are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(a, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory for config.yaml when --config is not given")
	return cmd
}

func runInit(a *app, dir string) error {
	path := a.configPath
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	wrote, err := writeIfMissing(path, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(a.stdout, "  ✓ wrote %s\n", path)
	} else {
		fmt.Fprintf(a.stdout, "  ✓ %s exists, left unchanged\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := a.use(cfg); err != nil {
		return err
	}

	v, err := a.openVault()
	if err != nil {
		return err
	}
	defer v.Close()
	if ok, err := v.Initialized(); err != nil {
		return err
	} else if ok {
		fmt.Fprintf(a.stdout, "  ✓ vault %s already initialized\n", cfg.Vault.Path)
		return nil
	}

	username, secret, err := a.newLogin()
	if err != nil {
		return err
	}
	if err := v.Initialize(username, secret); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "  ✓ vault %s created for %s\n", cfg.Vault.Path, username)
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Next: set the LLM provider in the config, then store server credentials with")
	fmt.Fprintln(a.stdout, "  mediabot creds set --kind movie --url http://radarr:7878")
	return nil
}

// newLogin reads a username and a confirmed secret.
func (a *app) newLogin() (username, secret string, err error) {
	username = a.cfg.Auth.Username
	if username == "" {
		if username, err = a.readLine("Username: "); err != nil {
			return "", "", err
		}
	}
	secret, err = a.newSecret("Secret: ")
	return username, secret, err
}

// newSecret reads a secret twice, or takes it from the config.
func (a *app) newSecret(prompt string) (string, error) {
	if a.cfg.Auth.Secret != "" {
		return a.cfg.Auth.Secret, nil
	}
	first, err := a.readSecret(prompt)
	if err != nil {
		return "", err
	}
	again, err := a.readSecret("Repeat: ")
	if err != nil {
		return "", err
	}
	if first != again {
		return "", apperr.New(apperr.KindValidation, "cli.secret", "secrets do not match")
	}
	return first, nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

