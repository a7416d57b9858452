// dbanative brokers management connections to SQL Server hosts. The serve
// command runs the broker; every other command talks to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/cmd/dbanative/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dbanative",
		Short: "Management connection broker for SQL Server hosts",
		Long: `dbanative remembers which management protocol (CIM over WinRM, CIM over
DCOM, WMI or PowerShell remoting) and which credential worked against each
host, and keeps remote sessions cached between commands.

Start the broker with 'dbanative serve'; the other commands query it.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterInitCommand(rootCmd)
	cli.RegisterServeCommand(rootCmd)
	cli.RegisterConnectionCommands(rootCmd)
	cli.RegisterCredentialCommands(rootCmd)
	cli.RegisterProfileCommands(rootCmd)
	cli.RegisterSessionCommands(rootCmd)
	cli.RegisterPolicyCommands(rootCmd)
	cli.RegisterConfigCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
