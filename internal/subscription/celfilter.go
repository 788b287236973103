package subscription

import (
	"encoding/json"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/voltaic-io/telemux/internal/telemetry"
)

// updateFilter wraps a compiled CEL program evaluated per data point before a
// delta is considered for delivery. When disabled, Eval always returns true.
type updateFilter struct {
	prog    cel.Program
	enabled bool
}

func newUpdateFilter(expr string) (updateFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return updateFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("device", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		// Parsed JSON value (scalar/map/list) for field filtering.
		cel.Variable("value", cel.DynType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return updateFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return updateFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return updateFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return updateFilter{}, err
	}
	return updateFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against one data point. Evaluation
// errors exclude the point rather than failing the dispatch.
func (f updateFilter) Eval(device telemetry.DeviceID, p telemetry.DataPoint) bool {
	if !f.enabled {
		return true
	}
	var value any
	_ = json.Unmarshal(p.Value, &value)
	out, _, err := f.prog.Eval(map[string]any{
		"device": string(device),
		"key":    p.Key,
		"ts_ms":  p.Ts,
		"value":  value,
		"text":   string(p.Value),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
