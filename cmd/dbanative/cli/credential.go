package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterCredentialCommands adds the per-host credential cache commands.
func RegisterCredentialCommands(root *cobra.Command) {
	credCmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Resolve and report the identities used against hosts",
	}

	credCmd.AddCommand(newCredentialResolveCmd())
	credCmd.AddCommand(newCredentialReportCmd())
	credCmd.AddCommand(newCredentialForgetCmd())

	root.AddCommand(credCmd)
}

// credentialFlags selects an identity: a stored profile, a user name, or the
// ambient process identity when neither is given.
type credentialFlags struct {
	profile string
	user    string
}

func (f *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.profile, "profile", "", "Stored credential profile")
	cmd.Flags().StringVar(&f.user, "user", "", "User name of an ad-hoc credential")
	cmd.MarkFlagsMutuallyExclusive("profile", "user")
}

// request builds the broker request. A secret is prompted for only when
// needSecret is set and an ad-hoc user was named.
func (f *credentialFlags) request(host string, needSecret bool) (client.CredentialRequest, error) {
	req := client.CredentialRequest{Host: host, Profile: f.profile, UserName: f.user}
	if needSecret && f.user != "" {
		secret, err := prompt(fmt.Sprintf("Password for %s: ", f.user))
		if err != nil {
			return req, err
		}
		req.Secret = secret
	}
	return req, nil
}

func newCredentialResolveCmd() *cobra.Command {
	var flags credentialFlags

	cmd := &cobra.Command{
		Use:   "resolve <host>",
		Short: "Show which identity to connect with",
		Long: `Show which identity the broker would connect to a host with, given the
requested one. Fails when the requested identity is known to be refused and
failover is not enabled. Secrets are never printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0], false)
			if err != nil {
				return err
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				got, err := c.ResolveCredential(ctx, req)
				if err != nil {
					return err
				}
				got.Secret = ""
				if jsonOutput {
					return printJSON(got)
				}
				if got.Ambient {
					fmt.Println("(ambient)")
					return nil
				}
				fmt.Println(got.UserName)
				return nil
			})
		},
	}

	flags.bind(cmd)
	return cmd
}

func newCredentialReportCmd() *cobra.Command {
	var flags credentialFlags

	cmd := &cobra.Command{
		Use:   "report <host> <good|bad>",
		Short: "Record whether an identity authenticated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var good bool
			switch args[1] {
			case "good":
				good = true
			case "bad":
			default:
				return fmt.Errorf("outcome must be good or bad, got %q", args[1])
			}

			req, err := flags.request(args[0], good)
			if err != nil {
				return err
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.ReportCredential(ctx, req, good))
			})
		},
	}

	flags.bind(cmd)
	return cmd
}

func newCredentialForgetCmd() *cobra.Command {
	var (
		flags credentialFlags
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "forget <host>",
		Short: "Drop a refused identity, or every cached identity with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0], false)
			if err != nil {
				return err
			}
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				return printRecord(c.ForgetCredential(ctx, req, all))
			})
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Clear the good, refused and ambient identities")
	return cmd
}
