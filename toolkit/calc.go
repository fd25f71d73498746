package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
)

// CalcArgs are the arguments accepted by the calc tool.
type CalcArgs struct {
	Expression string `json:"expression" jsonschema:"title=Expression,description=Arithmetic expression to evaluate"`
}

// RegisterCalc adds the calc tool: a sandboxed, grammar-restricted arithmetic
// evaluator. Expressions are compiled against an empty CEL environment (no
// variables, no custom functions) and must evaluate to a number; there is no
// access to the process, filesystem, or network from an expression.
func RegisterCalc(r *Registry) error {
	env, err := cel.NewEnv()
	if err != nil {
		return fmt.Errorf("calc: build evaluation env: %w", err)
	}

	return r.Register(Descriptor{
		Name:            "calc",
		Description:     "Evaluates a sandboxed arithmetic expression, e.g. \"(2 + 3) * 4\".",
		ParameterSchema: schemaFor(&CalcArgs{}),
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a CalcArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid calc arguments: %w", err)
		}
		if a.Expression == "" {
			return nil, fmt.Errorf("calc: expression is required")
		}

		ast, iss := env.Compile(a.Expression)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("calc: compile expression: %w", iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("calc: plan expression: %w", err)
		}
		val, _, err := prg.Eval(cel.NoVars())
		if err != nil {
			return nil, fmt.Errorf("calc: evaluate expression: %w", err)
		}

		var text string
		switch v := val.Value().(type) {
		case int64:
			text = strconv.FormatInt(v, 10)
		case uint64:
			text = strconv.FormatUint(v, 10)
		case float64:
			text = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return nil, fmt.Errorf("calc: expression must evaluate to a number, got %T", v)
		}
		return textContent(text), nil
	})
}
