package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/internal/config"
)

// RegisterConfigCommands adds commands for the config file.
func RegisterConfigCommands(root *cobra.Command) {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write the config file",
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config, environment overrides included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one config value and save the file",
		Long: `Change one config value and save the file. A running broker picks the change
up on restart; 'dbanative policy set' changes connection.* keys live.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List the settable keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.Keys() {
				fmt.Println(k)
			}
			return nil
		},
	})

	root.AddCommand(cfgCmd)
}
