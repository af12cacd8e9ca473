// Package config provides loading and environment overlay for the broker
// configuration. It exposes a Default() baseline, file loading (JSON or
// YAML by extension), and a SLUICE_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/sluice.yaml")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	b, _ := broker.Open(ctx, broker.Options{Config: cfg})
//	defer b.Close()
package config
