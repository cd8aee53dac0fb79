// Package config loads, normalizes, and validates shuttle's TOML
// configuration. Every timing threshold the coordination layer depends on
// (lock staleness, mutex ceilings, running-item TTL) is a config knob here
// rather than a hardcoded constant.
package config
