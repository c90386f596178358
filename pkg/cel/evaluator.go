package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"conduit/pkg/models"
)

// Evaluator compiles envelope expressions. Expressions see the envelope as
// id, msgType, source, destination, protocol, stream, headers and payload.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("msgType", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("destination", cel.StringType),
		cel.Variable("protocol", cel.StringType),
		cel.Variable("stream", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileBool(expression)
	return err
}

func (e *Evaluator) compileBool(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	// payload is dynamic, so comparisons on it type-check as dyn
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

// Filter is a compiled boolean expression evaluated once per envelope.
type Filter struct {
	expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compileBool(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) String() string {
	return f.expression
}

// Match evaluates the filter against env. A missing payload field is an
// evaluation error, not a false result.
func (f *Filter) Match(ctx context.Context, env models.Envelope) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, variables(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, env models.Envelope) (bool, error) {
	filter, err := e.CompileFilter(expression)
	if err != nil {
		return false, err
	}
	return filter.Match(ctx, env)
}

func variables(env models.Envelope) map[string]interface{} {
	headers := env.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return map[string]interface{}{
		"id":          env.ID,
		"msgType":     env.Type,
		"source":      env.SourceID,
		"destination": env.Destination,
		"protocol":    string(env.Protocol),
		"stream":      env.Stream,
		"headers":     headers,
		"payload":     env.Payload,
	}
}
