package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dbanative/dbanative/internal/core"
)

type field struct {
	get func(*GlobalConfig) string
	set func(*GlobalConfig, string) error
}

func stringField(ptr func(*GlobalConfig) *string) field {
	return field{
		get: func(c *GlobalConfig) string { return *ptr(c) },
		set: func(c *GlobalConfig, v string) error { *ptr(c) = v; return nil },
	}
}

func boolField(ptr func(*GlobalConfig) *bool) field {
	return field{
		get: func(c *GlobalConfig) string { return strconv.FormatBool(*ptr(c)) },
		set: func(c *GlobalConfig, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*ptr(c) = b
			return nil
		},
	}
}

func durationField(ptr func(*GlobalConfig) *Duration) field {
	return field{
		get: func(c *GlobalConfig) string {
			text, _ := ptr(c).MarshalText()
			return string(text)
		},
		set: func(c *GlobalConfig, v string) error { return ptr(c).UnmarshalText([]byte(v)) },
	}
}

var fields = map[string]field{
	"log_level":             stringField(func(c *GlobalConfig) *string { return &c.LogLevel }),
	"state_dir":             stringField(func(c *GlobalConfig) *string { return &c.StateDir }),
	"secret_mode":           stringField(func(c *GlobalConfig) *string { return &c.SecretMode }),
	"broker.network":        stringField(func(c *GlobalConfig) *string { return &c.Broker.Network }),
	"broker.address":        stringField(func(c *GlobalConfig) *string { return &c.Broker.Address }),
	"broker.purge_interval": durationField(func(c *GlobalConfig) *Duration { return &c.Broker.PurgeInterval }),
	"broker.flush_interval": durationField(func(c *GlobalConfig) *Duration { return &c.Broker.FlushInterval }),

	"connection.bad_connection_timeout": durationField(func(c *GlobalConfig) *Duration { return &c.Connection.BadConnectionTimeout }),
	"connection.disabled_protocols": {
		get: func(c *GlobalConfig) string { return strings.Join(c.Connection.DisabledProtocols, ",") },
		set: func(c *GlobalConfig, v string) error {
			var out []string
			for _, name := range strings.Split(v, ",") {
				if strings.TrimSpace(name) == "" {
					continue
				}
				p, err := core.ParseProtocol(name)
				if err != nil {
					return err
				}
				out = append(out, p.String())
			}
			c.Connection.DisabledProtocols = out
			return nil
		},
	},
	"connection.disable_bad_credential_cache":     boolField(func(c *GlobalConfig) *bool { return &c.Connection.DisableBadCredentialCache }),
	"connection.disable_credential_auto_register": boolField(func(c *GlobalConfig) *bool { return &c.Connection.DisableCredentialAutoRegister }),
	"connection.override_explicit_credential":     boolField(func(c *GlobalConfig) *bool { return &c.Connection.OverrideExplicitCredential }),
	"connection.enable_credential_failover":       boolField(func(c *GlobalConfig) *bool { return &c.Connection.EnableCredentialFailover }),
	"connection.disable_session_persistence":      boolField(func(c *GlobalConfig) *bool { return &c.Connection.DisableSessionPersistence }),
	"connection.session_cache_enabled":            boolField(func(c *GlobalConfig) *bool { return &c.Connection.SessionCacheEnabled }),
	"connection.session_cache_timeout":            durationField(func(c *GlobalConfig) *Duration { return &c.Connection.SessionCacheTimeout }),
}

// Keys lists every settable dotted key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of a dotted key.
func (c *GlobalConfig) Get(key string) (string, error) {
	f, ok := fields[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	return f.get(c), nil
}

// Set parses value into the dotted key and re-validates the whole config.
// On error the config is left unchanged.
func (c *GlobalConfig) Set(key, value string) error {
	f, ok := fields[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	next := *c
	next.Connection.DisabledProtocols = append([]string(nil), c.Connection.DisabledProtocols...)
	if err := f.set(&next, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
