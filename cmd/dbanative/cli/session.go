package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterSessionCommands adds the session cache commands.
func RegisterSessionCommands(root *cobra.Command) {
	sessCmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sess"},
		Short:   "Inspect the broker's remote session cache",
	}

	sessCmd.AddCommand(newSessionListCmd())
	sessCmd.AddCommand(newSessionRegisterCmd())
	sessCmd.AddCommand(newSessionBusyCmd())
	sessCmd.AddCommand(newSessionReleaseCmd())
	sessCmd.AddCommand(newSessionPurgeCmd())

	root.AddCommand(sessCmd)
}

func parseRunspace(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid runspace id %q: %w", s, err)
	}
	return id, nil
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				sessions, err := c.Sessions(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sessions)
				}
				if len(sessions) == 0 {
					fmt.Println("No cached sessions.")
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "RUNSPACE\tHOST\tLAST USED\tBUSY")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", s.Runspace, s.Host, formatTime(&s.LastUsed), s.Busy)
				}
				return w.Flush()
			})
		},
	}
}

func newSessionRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <runspace> <host>",
		Short: "Track a session opened by a runspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseRunspace(args[0])
			if err != nil {
				return err
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				cached, err := c.RegisterSession(ctx, rs, args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]bool{"cached": cached})
				}
				if !cached {
					fmt.Println("Session caching is off; close the session after use.")
					return nil
				}
				fmt.Println("Session cached.")
				return nil
			})
		},
	}
}

func newSessionBusyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "busy <runspace> <host> <true|false>",
		Short: "Mark a session busy or idle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseRunspace(args[0])
			if err != nil {
				return err
			}
			busy, err := strconv.ParseBool(args[2])
			if err != nil {
				return fmt.Errorf("busy must be true or false: %w", err)
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return c.SetSessionBusy(ctx, rs, args[1], busy)
			})
		},
	}
}

func newSessionReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <runspace> [host]",
		Short: "Close a runspace's session to host, or all of its sessions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseRunspace(args[0])
			if err != nil {
				return err
			}
			var host string
			if len(args) == 2 {
				host = args[1]
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				n, err := c.ReleaseSession(ctx, rs, host)
				if err != nil {
					return err
				}
				fmt.Printf("Released %d session(s)\n", n)
				return nil
			})
		},
	}
}

func newSessionPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Close idle sessions past the cache timeout now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				n, err := c.PurgeSessions(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d session(s)\n", n)
				return nil
			})
		},
	}
}
