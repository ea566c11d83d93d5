package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Condition is a compiled CEL admission condition. The expression sees one
// variable, input, holding the intent view; it must return a bool where true
// admits.
//
// Conditions must be reproducible from the event log, so anything
// nondeterministic is rejected at compile time: now(), map iteration through
// keys()/values(), and floating point literals.
type Condition struct {
	source  string
	program cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompileCondition validates and compiles one condition expression.
func CompileCondition(expr string) (*Condition, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	parsed, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse condition: %w", issues.Err())
	}
	if msgs := deterministicIssues(parsed.Expr()); len(msgs) > 0 { //nolint:staticcheck // AST traversal still needs the proto form
		return nil, fmt.Errorf("condition %q is not deterministic: %s", expr, msgs[0])
	}

	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("check condition: %w", issues.Err())
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	return &Condition{source: expr, program: prg}, nil
}

// Source returns the original expression text.
func (c *Condition) Source() string {
	return c.source
}

// Evaluate runs the condition over an intent view. A non-bool result is an
// error, not a pass.
func (c *Condition) Evaluate(input map[string]any) (bool, error) {
	out, _, err := c.program.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.source, out.Value())
	}
	return b, nil
}

// deterministicIssues walks the parsed expression and collects determinism
// violations.
func deterministicIssues(e *exprpb.Expr) []string {
	var issues []string
	walkExpr(e, &issues)
	return issues
}

func walkExpr(e *exprpb.Expr, issues *[]string) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, "floating point literals are forbidden")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, "now() is forbidden")
		case "keys", "values":
			*issues = append(*issues, "map iteration order is not deterministic")
		}
		if call.Target != nil {
			walkExpr(call.Target, issues)
		}
		for _, arg := range call.Args {
			walkExpr(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), issues)
			}
			walkExpr(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, issues)
		walkExpr(comp.AccuInit, issues)
		walkExpr(comp.LoopCondition, issues)
		walkExpr(comp.LoopStep, issues)
		walkExpr(comp.Result, issues)
	}
}
