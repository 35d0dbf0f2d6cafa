// Command dispatchctl is the operator CLI for the dispatch gateway.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type globals struct {
	server string
	caller string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operate the private dispatch gateway.",
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&g.server, "server", "s", envOr("DISPATCH_SERVER", "http://localhost:8080"), "dispatch server base URL")
	flags.StringVarP(&g.caller, "as", "a", os.Getenv("DISPATCH_PRINCIPAL"), "principal to act as")

	root.AddCommand(
		haltCmd(g),
		resumeCmd(g),
		statusCmd(g),
		pausersCmd(g),
		setBrokerCmd(g),
		statsCmd(g),
		eventsCmd(g),
	)
	return root
}

func haltCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Halt the gateway. Requires a pause authority.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := newClient(g.server, g.caller).do(cmd.Context(), http.MethodPost, "/v1/gateway/halt", nil, nil); err != nil {
				return errors.Wrap(err, "halt")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gateway halted")
			return nil
		},
	}
}

func resumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the gateway. Requires the owner.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := newClient(g.server, g.caller).do(cmd.Context(), http.MethodPost, "/v1/gateway/resume", nil, nil); err != nil {
				return errors.Wrap(err, "resume")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gateway resumed")
			return nil
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return getAndPrint(cmd, g, "/v1/gateway/status")
		},
	}
}

func pausersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pausers [index]",
		Short: "List pause authorities, or show the one at index.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if len(args) == 1 {
				if _, err := strconv.Atoi(args[0]); err != nil {
					return errors.Errorf("index must be an integer, got %q", args[0])
				}
				return getAndPrint(cmd, g, "/v1/gateway/pausers/"+args[0])
			}
			return getAndPrint(cmd, g, "/v1/gateway/pausers")
		},
	}
}

func setBrokerCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-broker <principal>",
		Short: "Configure the disclosure broker. Requires the owner.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			body := map[string]string{"broker": args[0]}
			if err := newClient(g.server, g.caller).do(cmd.Context(), http.MethodPost, "/v1/gateway/disclosure-broker", body, nil); err != nil {
				return errors.Wrap(err, "set broker")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disclosure broker set to %s\n", args[0])
			return nil
		},
	}
}

func statsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dispatch counters.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return getAndPrint(cmd, g, "/v1/stats")
		},
	}
}

func eventsCmd(g *globals) *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the event log.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return getAndPrint(cmd, g, fmt.Sprintf("/v1/events?after=%d&limit=%d", after, limit))
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only events with a larger sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func getAndPrint(cmd *cobra.Command, g *globals, path string) error {
	var out json.RawMessage
	if err := newClient(g.server, g.caller).do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
