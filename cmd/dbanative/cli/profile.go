package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterProfileCommands adds credential profile management commands.
func RegisterProfileCommands(root *cobra.Command) {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage stored credential profiles",
	}

	profileCmd.AddCommand(newProfileAddCmd())
	profileCmd.AddCommand(newProfileListCmd())
	profileCmd.AddCommand(newProfilePinCmd())
	profileCmd.AddCommand(newProfileArchiveCmd())
	profileCmd.AddCommand(newProfileRemoveCmd())

	root.AddCommand(profileCmd)
}

func newProfileAddCmd() *cobra.Command {
	var input client.ProfileInput

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Store a credential in the broker's vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input.Name = args[0]
			if input.UserName == "" {
				return fmt.Errorf("--user is required")
			}
			secret, err := prompt(fmt.Sprintf("Password for %s: ", input.UserName))
			if err != nil {
				return err
			}
			input.Secret = secret

			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.AddProfile(ctx, input)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(p)
				}
				fmt.Printf("Profile %s stored (%s)\n", p.Name, p.UUID[:8])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&input.UserName, "user", "", "User name, e.g. CONTOSO\\svc_sql (required)")
	cmd.Flags().StringVar(&input.Description, "description", "", "Free-form note")
	cmd.Flags().StringSliceVar(&input.Hosts, "host", nil, "Restrict the profile to these hosts")
	return cmd
}

func newProfileListCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				profiles, err := c.Profiles(ctx, host)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(profiles)
				}
				if len(profiles) == 0 {
					fmt.Println("No credential profiles.")
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "NAME\tUSER\tHOSTS\tLAST USED\tARCHIVED")
				for _, p := range profiles {
					hosts := "*"
					if len(p.Hosts) > 0 {
						hosts = strings.Join(p.Hosts, ",")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", p.Name, p.UserName, hosts, formatTime(p.LastUsedAt), p.IsArchived)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Only profiles usable against this host")
	return cmd
}

func newProfilePinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <name> <host>",
		Short: "Restrict a profile to a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.PinProfile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(p)
				}
				fmt.Printf("Profile %s pinned to %s\n", p.Name, strings.Join(p.Hosts, ", "))
				return nil
			})
		},
	}
}

func newProfileArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <name>",
		Short: "Hide a profile without deleting its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.ArchiveProfile(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Archived %s\n", args[0])
				return nil
			})
		},
	}
}

func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a profile and its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.RemoveProfile(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}
}
