package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterConnectionCommands adds the per-host connection record commands.
func RegisterConnectionCommands(root *cobra.Command) {
	connCmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Inspect and steer per-host protocol selection",
	}

	connCmd.AddCommand(newConnectionNextCmd())
	connCmd.AddCommand(newConnectionReportCmd())
	connCmd.AddCommand(newConnectionShowCmd())
	connCmd.AddCommand(newConnectionListCmd())
	connCmd.AddCommand(newConnectionDisableCmd())
	connCmd.AddCommand(newConnectionEnableCmd())
	connCmd.AddCommand(newConnectionResetCmd())
	connCmd.AddCommand(newConnectionRemoveCmd())
	connCmd.AddCommand(newConnectionOverrideCmd())

	root.AddCommand(connCmd)
}

func newConnectionNextCmd() *cobra.Command {
	var (
		exclude    []string
		forceRetry bool
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "next <host>",
		Short: "Show the protocol to try next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				if all {
					ordered, err := c.OrderedProtocols(ctx, args[0], exclude, forceRetry)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(ordered)
					}
					for _, p := range ordered {
						fmt.Println(p)
					}
					return nil
				}

				p, err := c.NextProtocol(ctx, args[0], exclude, forceRetry)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]string{"protocol": p})
				}
				fmt.Println(p)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Protocols to skip")
	cmd.Flags().BoolVar(&forceRetry, "force-retry", false, "Retry protocols that failed recently")
	cmd.Flags().BoolVar(&all, "all", false, "List every eligible protocol, best first")
	return cmd
}

func newConnectionReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <host> <protocol> <success|failure>",
		Short: "Record the outcome of a connection attempt",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var success bool
			switch strings.ToLower(args[2]) {
			case "success", "ok":
				success = true
			case "failure", "fail":
			default:
				return fmt.Errorf("outcome must be success or failure, got %q", args[2])
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.ReportProtocol(ctx, args[0], args[1], success))
			})
		},
	}
}

func newConnectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <host>",
		Short: "Show a host's connection record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.Record(ctx, args[0]))
			})
		},
	}
}

func newConnectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				records, err := c.Records(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				if len(records) == 0 {
					fmt.Println("No connection records.")
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "HOST\tCIMRM\tCIMDCOM\tWMI\tPSREMOTING\tIDENTITY")
				for _, r := range records {
					states := make([]string, 0, len(r.Protocols))
					for _, p := range r.Protocols {
						states = append(states, p.State)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.Host, strings.Join(states, "\t"), identityLabel(r))
				}
				return w.Flush()
			})
		},
	}
}

func newConnectionDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <host> <protocol>",
		Short: "Never use a protocol against a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.DisableProtocol(ctx, args[0], args[1]))
			})
		},
	}
}

func newConnectionEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <host> <protocol>",
		Short: "Allow a disabled protocol again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.EnableProtocol(ctx, args[0], args[1]))
			})
		},
	}
}

func newConnectionResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <host>",
		Short: "Forget every attempt outcome for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.ResetRecord(ctx, args[0]))
			})
		},
	}
}

func newConnectionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <host>",
		Short: "Delete a host's connection record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.RemoveRecord(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newConnectionOverrideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "override <host> <flag> <inherit|true|false>",
		Short: "Override a policy flag for one host",
		Long: `Override a connection policy flag for one host. Flags:

  disable-bad-credential-cache
  disable-credential-auto-register
  override-explicit-credential
  enable-credential-failover
  disable-session-persistence
  overrides-global-disablement`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.SetOverride(ctx, args[0], args[1], args[2]))
			})
		},
	}
}

func identityLabel(r client.RecordView) string {
	switch {
	case r.GoodIdentity != "":
		return r.GoodIdentity
	case r.AmbientGood:
		return "(ambient)"
	case r.AmbientBad:
		return "(ambient refused)"
	}
	return "-"
}

func printRecord(r *client.RecordView, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(r)
	}

	fmt.Printf("Host:      %s\n", r.Host)
	fmt.Printf("Identity:  %s\n", identityLabel(*r))
	if len(r.BadIdentities) > 0 {
		fmt.Printf("Refused:   %s\n", strings.Join(r.BadIdentities, ", "))
	}
	fmt.Println()

	w := newTable()
	fmt.Fprintln(w, "PROTOCOL\tSTATE\tLAST ATTEMPT")
	for _, p := range r.Protocols {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Protocol, p.State, formatTime(p.LastAttempt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println()

	w = newTable()
	fmt.Fprintln(w, "FLAG\tOVERRIDE\tEFFECTIVE")
	for _, f := range sortedKeys(r.Overrides) {
		fmt.Fprintf(w, "%s\t%s\t%v\n", f, r.Overrides[f], r.Effective[f])
	}
	fmt.Fprintf(w, "overrides-global-disablement\t-\t%v\n", r.OverridesGlobalDisablement)
	return w.Flush()
}
