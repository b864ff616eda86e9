// Package config builds the immutable process configuration: a static YAML
// file (located by CONFIG_FILE) with per-field environment overrides and
// *_env secret references resolved through the environment. The resulting
// *Config is constructed once at start-up and passed to every component.
package config
