package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/validation"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConnectionConfig()
	if cfg.Connection.BadConnectionTimeout != want.BadConnectionTimeout {
		t.Errorf("expected default timeout, got %v", time.Duration(cfg.Connection.BadConnectionTimeout))
	}
	if !cfg.Connection.SessionCacheEnabled {
		t.Error("expected session cache enabled by default")
	}
}

func TestLoadJSONMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"connection": {
			"bad_connection_timeout": "2m",
			"disabled_protocols": ["winrm", "Wmi"],
			"enable_credential_failover": true
		}
	}`
	os.WriteFile(path, []byte(data), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if time.Duration(cfg.Connection.BadConnectionTimeout) != 2*time.Minute {
		t.Errorf("timeout: got %v", time.Duration(cfg.Connection.BadConnectionTimeout))
	}
	if cfg.SecretMode != "vault" {
		t.Errorf("expected untouched defaults to survive, got secret_mode=%q", cfg.SecretMode)
	}

	pol, err := cfg.Connection.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if !pol.IsProtocolDisabled(core.ProtocolCimOverWinRM) || !pol.IsProtocolDisabled(core.ProtocolWmi) {
		t.Error("expected winrm and wmi disabled")
	}
	if pol.IsProtocolDisabled(core.ProtocolCimOverDcom) {
		t.Error("dcom should stay enabled")
	}
	if !pol.EnableCredentialFailover {
		t.Error("expected failover on")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
broker:
  network: tcp
  address: 127.0.0.1:7443
connection:
  session_cache_timeout: 90s
  disable_session_persistence: true
`
	os.WriteFile(path, []byte(data), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Network != "tcp" || cfg.Broker.Address != "127.0.0.1:7443" {
		t.Errorf("broker: got %+v", cfg.Broker)
	}
	if time.Duration(cfg.Connection.SessionCacheTimeout) != 90*time.Second {
		t.Errorf("session timeout: got %v", time.Duration(cfg.Connection.SessionCacheTimeout))
	}
	if !cfg.Connection.DisableSessionPersistence {
		t.Error("expected persistence disabled")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DBANATIVE_CONNECTION_BAD_CONNECTION_TIMEOUT", "45s")
	t.Setenv("DBANATIVE_CONNECTION_DISABLED_PROTOCOLS", "dcom,psremoting")
	t.Setenv("DBANATIVE_BROKER_NETWORK", "tcp")
	t.Setenv("DBANATIVE_BROKER_ADDRESS", "127.0.0.1:9000")
	t.Setenv("DBANATIVE_LOG_LEVEL", "DEBUG")

	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"connection":{"bad_connection_timeout":"10m"}}`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if time.Duration(cfg.Connection.BadConnectionTimeout) != 45*time.Second {
		t.Errorf("expected env to beat file, got %v", time.Duration(cfg.Connection.BadConnectionTimeout))
	}
	if len(cfg.Connection.DisabledProtocols) != 2 {
		t.Errorf("expected 2 disabled protocols, got %v", cfg.Connection.DisabledProtocols)
	}
	if cfg.Broker.Address != "127.0.0.1:9000" {
		t.Errorf("broker address: got %q", cfg.Broker.Address)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected lowercased log level, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown protocol", `{"connection":{"disabled_protocols":["telnet"]}}`},
		{"negative timeout", `{"connection":{"bad_connection_timeout":"-1m"}}`},
		{"bad network", `{"broker":{"network":"pipe"}}`},
		{"bad secret mode", `{"secret_mode":"keyring"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			os.WriteFile(path, []byte(tt.data), 0600)
			_, err := Load(path)
			if !validation.IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"connection":{"bad_connection_timeout":"soon"}}`), 0600)
	if _, err := Load(path); err == nil {
		t.Error("expected unparsable duration to fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultGlobalConfig()
			cfg.Connection.EnableCredentialFailover = true
			cfg.Connection.DisabledProtocols = []string{"Wmi"}
			cfg.Broker.PurgeInterval = Duration(10 * time.Second)

			if err := Save(path, cfg); err != nil {
				t.Fatalf("Save: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %v", info.Mode().Perm())
			}

			back, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !back.Connection.EnableCredentialFailover || len(back.Connection.DisabledProtocols) != 1 {
				t.Errorf("connection settings lost: %+v", back.Connection)
			}
			if back.Broker.PurgeInterval != cfg.Broker.PurgeInterval {
				t.Errorf("purge interval: got %v", time.Duration(back.Broker.PurgeInterval))
			}
		})
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	p := connection.DefaultPolicy()
	p.BadConnectionTimeout = 3 * time.Minute
	p.DisableProtocol(core.ProtocolPowerShellRemoting)
	p.OverrideExplicitCredential = true
	p.SessionCacheEnabled = false

	back, err := FromPolicy(p).Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if back != p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, p)
	}
}

func TestSetAndGet(t *testing.T) {
	cfg := DefaultGlobalConfig()

	if err := cfg.Set("connection.bad_connection_timeout", "20m"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := cfg.Get("connection.bad_connection_timeout"); v != "20m0s" {
		t.Errorf("Get: got %q", v)
	}

	if err := cfg.Set("connection.disabled_protocols", "winrm, dcom"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := cfg.Get("connection.disabled_protocols"); v != "CimRM,CimDCOM" {
		t.Errorf("Get: got %q", v)
	}

	if err := cfg.Set("connection.enable_credential_failover", "yes"); err == nil {
		t.Error("expected non-boolean to fail")
	}
	if err := cfg.Set("broker.network", "carrier-pigeon"); err == nil {
		t.Error("expected invalid network to fail validation")
	}
	if cfg.Broker.Network != "unix" {
		t.Errorf("failed Set must not modify config, got %q", cfg.Broker.Network)
	}
	if err := cfg.Set("nope", "1"); err == nil {
		t.Error("expected unknown key to fail")
	}
}

func TestKeysCoverEveryField(t *testing.T) {
	cfg := DefaultGlobalConfig()
	for _, k := range Keys() {
		if _, err := cfg.Get(k); err != nil {
			t.Errorf("Get(%q): %v", k, err)
		}
	}
	if len(Keys()) != 16 {
		t.Errorf("expected 16 keys, got %d", len(Keys()))
	}
}

func TestYAMLDisplay(t *testing.T) {
	out, err := DefaultGlobalConfig().YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !slices.Contains(strings.Split(out, "\n"), "    bad_connection_timeout: 15m0s") {
		t.Errorf("unexpected YAML:\n%s", out)
	}
}
