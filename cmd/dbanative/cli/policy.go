package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/internal/config"
	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterPolicyCommands adds commands for the running broker's policy.
func RegisterPolicyCommands(root *cobra.Command) {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change the running broker's connection policy",
		Long: `Show or change the connection policy of the running broker. Changes take
effect immediately but are not written to the config file; use
'dbanative config set' for that.`,
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the live policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printPolicy(c.Policy(ctx))
			})
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one connection.* key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printPolicy(c.SetPolicy(ctx, args[0], args[1]))
			})
		},
	})

	root.AddCommand(policyCmd)
}

func printPolicy(p *client.ConnectionConfig, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(p)
	}

	cfg := config.GlobalConfig{Connection: *p}
	w := newTable()
	for _, key := range config.Keys() {
		if !strings.HasPrefix(key, "connection.") {
			continue
		}
		v, err := cfg.Get(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", key, orDash(v))
	}
	return w.Flush()
}
