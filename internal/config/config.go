// Package config loads ThemisDB's runtime configuration: compiled-in
// defaults, overlaid by a TOML file, overlaid by THEMISDB_* environment
// variables, in that precedence order (spec §6 Deployment configuration
// table). A single package-level viper.Viper instance backs every Get*
// accessor, the same pattern the predecessor config package used for its
// own settings (a global `v`, typed Key* constants, Register*Defaults
// functions, GetX wrapper accessors).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the global viper instance: compiled-in defaults
// first, then (if configPath is non-empty and exists) a TOML file layered
// on top via BurntSushi/toml decoded into a map and fed to viper.MergeConfigMap,
// then THEMISDB_*-prefixed environment variables via AutomaticEnv.
func Initialize(configPath string) error {
	v = viper.New()
	v.SetEnvPrefix("themisdb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	registerStorageDefaults()
	registerContentDefaults()
	registerVectorDefaults()
	registerServerDefaults()
	registerChangefeedDefaults()

	if configPath != "" {
		if err := mergeTOMLFile(configPath); err != nil {
			return err
		}
	}
	return nil
}

// ResetForTesting discards the global viper instance so the next
// Initialize call starts from a clean slate; tests call this in between
// scenarios that need different config files or env vars.
func ResetForTesting() {
	v = nil
}

func mergeTOMLFile(path string) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config: failed to decode %s: %w", path, err)
	}
	return v.MergeConfigMap(flattenTOML("", raw))
}

// flattenTOML turns a nested TOML table (as decoded into map[string]any)
// into viper's expected flat dotted-key map, since MergeConfigMap does
// not recurse into nested maps on its own for dotted-key lookups used
// throughout this package (e.g. "content.chunk-size-bytes").
func flattenTOML(prefix string, raw map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flattenTOML(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func ensureInitialized() {
	if v == nil {
		_ = Initialize("")
	}
}

// GetString returns the string value for key.
func GetString(key string) string { ensureInitialized(); return v.GetString(key) }

// GetInt returns the int value for key.
func GetInt(key string) int { ensureInitialized(); return v.GetInt(key) }

// GetBool returns the bool value for key.
func GetBool(key string) bool { ensureInitialized(); return v.GetBool(key) }

// GetDuration returns the time.Duration value for key.
func GetDuration(key string) time.Duration { ensureInitialized(); return v.GetDuration(key) }

// GetStringSlice returns the []string value for key.
func GetStringSlice(key string) []string { ensureInitialized(); return v.GetStringSlice(key) }

func setDefault(key string, value any) {
	ensureInitialized()
	v.SetDefault(key, value)
}
