package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbanative/dbanative/internal/engine"
	"github.com/dbanative/dbanative/internal/grpcapi"
	"github.com/dbanative/dbanative/internal/logging"
)

// RegisterInitCommand adds the init command.
func RegisterInitCommand(root *cobra.Command) {
	root.AddCommand(newInitCmd())
}

// RegisterServeCommand adds the serve command.
func RegisterServeCommand(root *cobra.Command) {
	root.AddCommand(newServeCmd())
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and credential vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.SecretMode == engine.SecretModeMemoryOnly {
				return fmt.Errorf("secret_mode is %s; there is no vault to create", engine.SecretModeMemoryOnly)
			}

			passphrase, err := readPassphrase(true)
			if err != nil {
				return err
			}

			e, err := engine.Init(cfg, passphrase)
			if err != nil {
				return err
			}
			if err := e.Close(); err != nil {
				return err
			}

			path := resolvedConfigPath()
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := saveConfig(cfg); err != nil {
					return fmt.Errorf("writing default config: %w", err)
				}
				fmt.Printf("Config written to %s\n", path)
			}

			fmt.Printf("State initialized in %s\n", cfg.StateDir)
			fmt.Println("Start the broker with: dbanative serve")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		network string
		address string
		logJSON bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection broker",
		Long: `Run the connection broker in the foreground. The broker holds the connection
registry, the unlocked credential vault and the session cache. It listens on a
unix socket by default; a tcp listener requires mutual TLS, and the
certificates are created under <state_dir>/pki on first use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if network != "" {
				cfg.Broker.Network = network
			}
			if address != "" {
				cfg.Broker.Address = address
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var passphrase string
			if cfg.SecretMode != engine.SecretModeMemoryOnly {
				if passphrase, err = readPassphrase(false); err != nil {
					return err
				}
			}

			var opts []engine.Option
			if logJSON {
				opts = append(opts, engine.WithLogger(logging.NewJSONLogger(os.Stderr, cfg.LogLevel)))
			}

			e, err := engine.Open(cfg, passphrase, opts...)
			if err != nil {
				return err
			}
			defer e.Close()

			server, err := grpcapi.NewFromConfig(e)
			if err != nil {
				return fmt.Errorf("starting broker: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				e.Logger.Info().Msg("shutting down")
				server.Stop()
			}()

			e.Logger.Info().
				Str("network", cfg.Broker.Network).
				Str("address", server.Addr().String()).
				Int("records", len(e.Registry.Records())).
				Msg("broker ready")
			return server.Serve()
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "Listener network, unix or tcp (default from config)")
	cmd.Flags().StringVar(&address, "listen", "", "Socket path or host:port (default from config)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	return cmd
}
