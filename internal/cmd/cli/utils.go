package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/broker"
	"github.com/scorego/sluice/internal/config"
	"github.com/scorego/sluice/pkg/log"
)

// resolveConfig layers config sources for one command invocation:
// built-in defaults, then --config file, then SLUICE_* env, then flags.
func resolveConfig(cmd *cobra.Command) (config.Config, log.Logger, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	config.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("fsync"); v != "" {
		cfg.Fsync = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(lc config.LogConfig) log.Logger {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		level = log.InfoLevel
	}
	var formatter log.Formatter = &log.TextFormatter{}
	if lc.Format == "json" {
		formatter = &log.JSONFormatter{}
	}
	return log.NewLogger(
		log.WithLevel(level),
		log.WithFormatter(formatter),
		log.WithOutput(log.NewConsoleOutput()),
	)
}

// withBroker opens the broker on the resolved data directory, runs fn,
// and closes it. The directory is locked for the duration; a second
// sluice process against the same directory will fail to open.
func withBroker(cmd *cobra.Command, fn func(ctx context.Context, b *broker.Broker) error) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	b, err := broker.Open(cmd.Context(), broker.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return fn(cmd.Context(), b)
}

// parseHeaders merges repeated --header key=value flags with a
// --header-json object. Flag order is preserved; JSON keys follow in
// sorted order.
func parseHeaders(rawHeaders []string, headersJSON string) ([]broker.Header, error) {
	var headers []broker.Header
	for _, hv := range rawHeaders {
		if hv == "" {
			continue
		}
		parts := strings.SplitN(hv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --header, expected key=value: %s", hv)
		}
		headers = append(headers, broker.Header{K: strings.TrimSpace(parts[0]), V: parts[1]})
	}
	if headersJSON != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(headersJSON), &m); err != nil {
			return nil, fmt.Errorf("invalid --header-json: %w", err)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			headers = append(headers, broker.Header{K: k, V: m[k]})
		}
	}
	return headers, nil
}

// recordOutput renders a record as a flat map with the payload decoded as
// payload_json, payload_text, or payload_b64, whichever fits.
func recordOutput(r broker.Record) map[string]any {
	out := map[string]any{
		"id":        r.ID,
		"topic":     r.Topic,
		"partition": r.Partition,
		"offset":    r.Offset,
	}
	if r.Key != "" {
		out["key"] = r.Key
	}
	if r.Attempts > 0 {
		out["attempts"] = r.Attempts
	}
	if r.EnqueuedAtMs > 0 {
		out["enqueued_at_ms"] = r.EnqueuedAtMs
	}
	if len(r.Headers) > 0 {
		out["headers"] = r.Headers
	}
	decodePayload(out, r.Payload)
	return out
}

func decodePayload(out map[string]any, payload []byte) {
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
