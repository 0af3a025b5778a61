package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

func newCredsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage encrypted media server credentials",
	}
	cmd.AddCommand(newCredsSetCmd(a), newCredsDeleteCmd(a), newCredsListCmd(a))
	return cmd
}

func parseKind(s string) (vault.Kind, error) {
	k := vault.Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "radarr", "movies":
		k = vault.KindMovie
	case "sonarr", "tv":
		k = vault.KindSeries
	}
	if !k.Valid() {
		return "", apperr.New(apperr.KindValidation, "cli.kind", "unknown kind %q (valid: movie, series)", s)
	}
	return k, nil
}

func newCredsSetCmd(a *app) *cobra.Command {
	var kind, baseURL, apiKey string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store or replace credentials for a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			return a.withHandle(func(h *vault.Handle) error {
				if apiKey == "" {
					if apiKey, err = a.readSecret("API key: "); err != nil {
						return err
					}
				}
				if err := h.Store(vault.Record{Kind: k, BaseURL: baseURL, APIKey: apiKey}); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Stored %s credentials for %s\n", k, baseURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "server kind: movie or series")
	cmd.Flags().StringVar(&baseURL, "url", "", "server base URL, e.g. http://radarr:7878")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (prompted when omitted)")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("url")
	return cmd
}

func newCredsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind>",
		Short: "Remove stored credentials for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withHandle(func(h *vault.Handle) error {
				if err := h.Delete(k); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Deleted %s credentials\n", k)
				return nil
			})
		},
	}
}

type credListing struct {
	Kind        string `json:"kind"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	EncryptedAt string `json:"encrypted_at"`
}

func newCredsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credentials with keys masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHandle(func(h *vault.Handle) error {
				kinds, err := h.Kinds()
				if err != nil {
					return err
				}
				out := make([]credListing, 0, len(kinds))
				for _, k := range kinds {
					rec, err := h.Read(k)
					if err != nil {
						return err
					}
					out = append(out, credListing{
						Kind:        string(k),
						BaseURL:     redactURL(rec.BaseURL),
						APIKey:      mask(rec.APIKey),
						EncryptedAt: rec.EncryptedAt.Format("2006-01-02 15:04"),
					})
				}
				if a.output == "json" {
					enc := json.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}
				if len(out) == 0 {
					fmt.Fprintln(a.stdout, "No credentials stored.")
				}
				for _, c := range out {
					fmt.Fprintf(a.stdout, "%-7s %-36s %s  (stored %s)\n", c.Kind, c.BaseURL, c.APIKey, c.EncryptedAt)
				}
				return nil
			})
		},
	}
}

// withHandle loads the config, unlocks the vault and runs fn.
func (a *app) withHandle(fn func(h *vault.Handle) error) error {
	if err := a.load(); err != nil {
		return err
	}
	v, err := a.openVault()
	if err != nil {
		return err
	}
	defer v.Close()
	h, err := a.unlock(v)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// mask keeps the last four characters of a key.
func mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("•", len(key))
	}
	return strings.Repeat("•", 8) + key[len(key)-4:]
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
