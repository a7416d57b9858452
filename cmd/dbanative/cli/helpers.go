// Package cli holds the dbanative command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dbanative/dbanative/internal/config"
	"github.com/dbanative/dbanative/pkg/client"
)

// PassphraseEnv supplies the vault passphrase for unattended use.
const PassphraseEnv = config.EnvPrefix + "_PASSPHRASE"

const minPassphraseLen = 8

var (
	configPath string
	jsonOutput bool
)

// RegisterGlobalFlags adds the flags every command understands.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.dbanative/config.json)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (cfg config.GlobalConfig, err error) {
	if configPath == "" {
		cfg, err = config.LoadGlobalConfig()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return config.GlobalConfig{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg config.GlobalConfig) error {
	if configPath == "" {
		return config.SaveGlobalConfig(cfg)
	}
	return config.Save(configPath, cfg)
}

// readPassphrase returns the vault passphrase from the environment, or prompts
// for it on the terminal. confirm asks twice and enforces a minimum length.
func readPassphrase(confirm bool) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}

	pass, err := prompt("Vault passphrase: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return pass, nil
	}

	if len(pass) < minPassphraseLen {
		return "", fmt.Errorf("passphrase must be at least %d characters", minPassphraseLen)
	}
	again, err := prompt("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if pass != again {
		return "", fmt.Errorf("passphrases do not match")
	}
	return pass, nil
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return string(b), nil
}

// withBroker dials the configured broker and runs fn against it.
func withBroker(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := client.Dial(cfg.Broker, cfg.StateDir)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := fn(cmd.Context(), c); err != nil {
		if client.IsRemote(err) {
			return err
		}
		return fmt.Errorf("%w\nIs the broker running? Start it with 'dbanative serve'", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
