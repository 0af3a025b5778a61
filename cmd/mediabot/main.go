// MediaBot manages a Radarr and Sonarr media collection through a
// conversational agent.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]). Server credentials are
// kept in an encrypted vault unlocked by the operator's login secret.
//
// Usage:
//
//	mediabot init                 Write a config file and create the vault
//	mediabot creds set|delete|list
//	mediabot passwd               Rotate the login secret
//	mediabot chat                 Interactive terminal chat
//	mediabot ask <request>        Run a single request
//	mediabot serve                Start the HTTP and WebSocket server
//	mediabot version              Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/buildinfo"
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit and the standard streams out of the application logic.
func main() {
	if err := run(context.Background(), os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", apperr.KindOf(err), apperr.DetailOf(err))
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected so
// the command tree can be driven from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(newApp(stdin, stdout, stderr))
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mediabot",
		Short:         "Conversational manager for Radarr and Sonarr",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "output format: text or json")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level from the config")

	root.AddCommand(
		newInitCmd(a),
		newCredsCmd(a),
		newPasswdCmd(a),
		newChatCmd(a),
		newAskCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(a.stdout, a.output)
		},
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}
