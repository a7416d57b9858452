package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestReadPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "correct horse")
	got, err := readPassphrase(true)
	if err != nil || got != "correct horse" {
		t.Fatalf("readPassphrase = %q, %v", got, err)
	}
}

func TestParseRunspace(t *testing.T) {
	if _, err := parseRunspace("not-a-guid"); err == nil {
		t.Error("expected an error for a malformed runspace id")
	}
	if _, err := parseRunspace("6f9619ff-8b86-d011-b42d-00c04fc964ff"); err != nil {
		t.Errorf("parseRunspace: %v", err)
	}
}

func TestConfigSetWritesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "config.yaml")

	root := &cobra.Command{Use: "dbanative", SilenceUsage: true, SilenceErrors: true}
	RegisterGlobalFlags(root)
	RegisterConfigCommands(root)
	t.Cleanup(func() { configPath = "" })

	root.SetArgs([]string{"--config", path, "config", "set", "connection.session_cache_enabled", "false"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config set: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Connection.SessionCacheEnabled {
		t.Error("session_cache_enabled was not saved")
	}

	root.SetArgs([]string{"--config", path, "config", "set", "connection.nonsense", "1"})
	if err := root.Execute(); err == nil {
		t.Error("expected an unknown key to fail")
	}
}

func TestCommandTree(t *testing.T) {
	root := &cobra.Command{Use: "dbanative"}
	RegisterGlobalFlags(root)
	RegisterInitCommand(root)
	RegisterServeCommand(root)
	RegisterConnectionCommands(root)
	RegisterCredentialCommands(root)
	RegisterProfileCommands(root)
	RegisterSessionCommands(root)
	RegisterPolicyCommands(root)
	RegisterConfigCommands(root)
	RegisterAuditCommands(root)

	for _, path := range [][]string{
		{"conn", "next"},
		{"connection", "override"},
		{"cred", "resolve"},
		{"profile", "pin"},
		{"session", "release"},
		{"policy", "set"},
		{"config", "keys"},
		{"audit", "verify"},
		{"serve"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}
