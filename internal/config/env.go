package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Env is the source of adapter credentials.
type Env interface {
	Lookup(key string) (string, bool)
}

// OSEnv is a snapshot of the process environment taken by [LoadOSEnv].
type OSEnv struct {
	k *koanf.Koanf
}

// LoadOSEnv reads the process environment. Only names usable as credential
// keys (letters, digits and underscores) are kept; names are case-sensitive.
func LoadOSEnv() (OSEnv, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", credentialKey), nil); err != nil {
		return OSEnv{}, fmt.Errorf("reading environment: %w", err)
	}
	return OSEnv{k: k}, nil
}

func credentialKey(name string) string {
	for _, r := range name {
		if r != '_' && (r < '0' || r > '9') && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return ""
		}
	}
	return name
}

// Lookup implements Env.
func (e OSEnv) Lookup(key string) (string, bool) {
	if e.k == nil || !e.k.Exists(key) {
		return "", false
	}
	return e.k.String(key), true
}

// MapEnv is a fixed environment, used by tests and one-off invocations.
type MapEnv map[string]string

// Lookup implements Env.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Get returns the trimmed value of key, or "" when unset.
func Get(env Env, key string) string {
	if env == nil {
		return ""
	}
	v, _ := env.Lookup(key)
	return strings.TrimSpace(v)
}

// Missing returns the keys that are unset or blank in env.
func Missing(env Env, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if Get(env, k) == "" {
			out = append(out, k)
		}
	}
	return out
}
