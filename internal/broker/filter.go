package broker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// recordFilter wraps a compiled CEL program evaluated against deliveries.
// Disabled filters match everything.
type recordFilter struct {
	prog    cel.Program
	enabled bool
}

func newRecordFilter(expr string) (recordFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return recordFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("partition", cel.IntType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("id", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		// Parsed JSON payload for field filtering.
		cel.Variable("json", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return recordFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return recordFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return recordFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return recordFilter{}, err
	}
	return recordFilter{prog: prog, enabled: true}, nil
}

// Match reports whether the record passes the filter. Evaluation errors
// count as non-matches.
func (f recordFilter) Match(r Record) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(r.Payload, &jsonObj)
	// Collapse ordered headers into a map for the expression; on duplicate
	// keys the last value wins, matching HeaderValue.
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.K] = h.V
	}
	out, _, err := f.prog.Eval(map[string]any{
		"topic":     r.Topic,
		"partition": int64(r.Partition),
		"offset":    int64(r.Offset),
		"id":        r.ID,
		"key":       r.Key,
		"attempts":  int64(r.Attempts),
		"ts_ms":     r.EnqueuedAtMs,
		"size":      int64(len(r.Payload)),
		"text":      string(r.Payload),
		"json":      jsonObj,
		"headers":   headers,
		"now_ms":    time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
