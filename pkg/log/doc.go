// Package log provides sluice's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context, backed by a formatter/output pipeline.
// A slog.Handler bridge routes stdlib structured logging through the same
// pipeline so all output has one shape.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.WithComponent("broker")
//	l.Info("opened", log.Str("dir", dataDir))
//
// Library code takes a Logger through options and defaults to NewNopLogger;
// nothing in this module logs through a package global.
package log
