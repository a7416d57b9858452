package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/pkg/client"
)

// RegisterAuditCommands adds audit log commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify the broker's audit log",
	}

	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				valid, count, err := c.VerifyAudit(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"valid": valid, "count": count})
				}
				if !valid {
					return fmt.Errorf("audit chain is broken (%d records checked)", count)
				}
				fmt.Printf("Audit chain intact (%d records)\n", count)
				return nil
			})
		},
	})

	var (
		host  string
		limit int
	)
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *client.Client) error {
				records, err := c.AuditLog(ctx, host, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}

				w := newTable()
				fmt.Fprintln(w, "TIME\tEVENT\tHOST\tDETAIL")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Timestamp, r.EventType, orDash(r.Host), string(r.Detail))
				}
				return w.Flush()
			})
		},
	}
	logCmd.Flags().StringVar(&host, "host", "", "Only records for this host")
	logCmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	auditCmd.AddCommand(logCmd)

	root.AddCommand(auditCmd)
}
