package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Predicate decides whether an entity is eligible for display.
type Predicate func(f model.Fields) bool

// IncludeAll admits every entity.
func IncludeAll(model.Fields) bool { return true }

// NotCompleted admits orders whose status is anything but completed,
// including orders with no status yet.
func NotCompleted(f model.Fields) bool {
	return f.String("status") != model.OrderStatusCompleted
}

// CompilePredicate compiles a CEL expression over the document bound to
// `doc`, e.g. `doc.status != "completed"`. An empty expression returns
// fallback. Evaluation errors such as a missing field, and non-boolean
// results, exclude the entity.
func CompilePredicate(expr string, fallback Predicate) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fallback, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	return func(f model.Fields) bool {
		doc := map[string]any(f)
		if doc == nil {
			doc = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{"doc": doc})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}
