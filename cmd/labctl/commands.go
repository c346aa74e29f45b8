package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/user"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nodelab/pkg/client"
	"nodelab/pkg/model"
	"nodelab/pkg/version"
)

type globalOpts struct {
	server  string
	actor   string
	timeout time.Duration
	output  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "labctl",
		Short:         "labctl drives a nodelab controller",
		Long:          "labctl creates, runs, stops, wipes and deletes lab nodes and bridges their taps through the controller HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("NODELAB_SERVER", "http://127.0.0.1:3000"), "controller base URL")
	root.PersistentFlags().StringVar(&opts.actor, "actor", defaultActor(), "name recorded in the audit log")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table|json")

	root.AddCommand(
		createCmd(opts),
		nodeActionCmd(opts, "run", "Start a node and publish its console", (*client.Client).Run),
		nodeActionCmd(opts, "stop", "Stop a node and release its display slot", (*client.Client).Stop),
		nodeActionCmd(opts, "wipe", "Stop a node and reset its disk", (*client.Client).Wipe),
		nodeActionCmd(opts, "get", "Show one node", (*client.Client).Get),
		deleteCmd(opts),
		listCmd(opts),
		diagnoseCmd(opts),
		tapsCmd(opts),
		bridgesCmd(opts),
		bridgeCmd(opts),
		auditCmd(opts),
		versionCmd(opts),
	)
	return root
}

func (o *globalOpts) client() *client.Client {
	return client.New(o.server, o.actor, o.timeout)
}

func createCmd(opts *globalOpts) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <standard|router>",
		Short: "Create a node with a fresh disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			node, err := opts.client().Create(cmd.Context(), kind, name)
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), opts.output, node)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name stored with the node")
	return cmd
}

func nodeActionCmd(opts *globalOpts, use, short string, fn func(*client.Client, context.Context, string) (model.NodeView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <node-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := fn(opts.client(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), opts.output, node)
		},
	}
}

func deleteCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node-id>",
		Short: "Stop a node and remove it with its disk and console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func listCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List nodes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := opts.client().List(cmd.Context())
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), opts.output, nodes...)
		},
	}
}

func diagnoseCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <node-id>",
		Short: "Check a node's process, monitor, disk, taps and console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := opts.client().Diagnose(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, rep)
			}
			fmt.Fprintf(out, "node %s: %s\n", rep.NodeID, rep.Summary)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAIL")
			for _, c := range rep.Checks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Detail)
			}
			return tw.Flush()
		},
	}
}

func tapsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "taps",
		Short: "List taps created by the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			taps, err := opts.client().Taps(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, taps)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAP\tNODE\tBRIDGE")
			for _, name := range slices.Sorted(maps.Keys(taps)) {
				t := taps[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.NodeID, dash(t.Bridge))
			}
			return tw.Flush()
		},
	}
}

func bridgesCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "bridges",
		Short: "List bridges created by the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bridges, err := opts.client().Bridges(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, bridges)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BRIDGE\tTAPS")
			for _, b := range bridges {
				fmt.Fprintf(tw, "%s\t%s\n", b.Name, strings.Join(b.Taps, ","))
			}
			return tw.Flush()
		},
	}
}

func bridgeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge <tap-a> <tap-b>",
		Short: "Join two taps with a new bridge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := opts.client().Bridge(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s joined %s and %s\n", name, args[0], args[1])
			return nil
		},
	}
}

func auditCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent lifecycle operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := opts.client().Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tTARGET\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, e.Target, dash(e.Detail))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func versionCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and controller versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "labctl %s\n", version.String())
			v, err := opts.client().Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("controller version: %w", err)
			}
			fmt.Fprintf(out, "controller %s (%s)\n", v.Build, v.Go)
			return nil
		},
	}
}

func printNodes(w io.Writer, format string, nodes ...model.NodeView) error {
	if format == "json" {
		if len(nodes) == 1 {
			return writeJSON(w, nodes[0])
		}
		return writeJSON(w, nodes)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tSTATUS\tSLOT\tCONSOLE")
	for _, n := range nodes {
		slot, console := "-", "-"
		if n.DisplaySlot != nil {
			slot = fmt.Sprint(*n.DisplaySlot)
		}
		if n.GatewayURL != nil {
			console = *n.GatewayURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", n.ID, n.Kind, dash(n.Meta.Name), n.Status, slot, console)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultActor() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
