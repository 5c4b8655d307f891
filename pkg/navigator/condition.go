package navigator

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dukex/swarmflow/pkg/template"
)

// Evaluator evaluates sequence-flow conditions against run variables.
//
// Conditions are expr-lang boolean expressions over the variables
// (`x == 1 && approved`), optionally wrapped in ${...}. Conditions containing
// template actions are rendered with text/template instead. An absent or
// unparseable condition evaluates to true; a condition that fails at run time
// evaluates to false.
type Evaluator struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		logger:   logger,
		programs: make(map[string]*vm.Program),
	}
}

var jsOperators = strings.NewReplacer("===", "==", "!==", "!=")

func normalize(condition string) string {
	condition = strings.TrimSpace(condition)
	if strings.HasPrefix(condition, "${") && strings.HasSuffix(condition, "}") {
		condition = strings.TrimSpace(condition[2 : len(condition)-1])
	}

	return jsOperators.Replace(condition)
}

// Evaluate returns the truth value of condition.
func (e *Evaluator) Evaluate(condition string, variables map[string]any) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}

	if template.NeedsTemplating(condition) {
		return e.evaluateTemplate(condition, variables)
	}

	program, ok := e.compile(normalize(condition))
	if !ok {
		return true
	}

	env := make(map[string]any, len(variables)+1)
	for key, value := range variables {
		env[key] = value
	}

	env["vars"] = variables

	result, err := expr.Run(program, env)
	if err != nil {
		e.logger.Debug("Condition evaluation failed", "condition", condition, "error", err)

		return false
	}

	return truthy(result)
}

// Value evaluates an arbitrary expression, used for cardinalities.
func (e *Evaluator) Value(expression string, variables map[string]any) (any, bool) {
	program, ok := e.compile(normalize(expression))
	if !ok {
		return nil, false
	}

	result, err := expr.Run(program, variables)
	if err != nil {
		return nil, false
	}

	return result, true
}

func (e *Evaluator) compile(source string) (*vm.Program, bool) {
	e.mu.RLock()
	program, ok := e.programs[source]
	e.mu.RUnlock()

	if ok {
		return program, program != nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		e.logger.Debug("Condition does not parse, treating as true", "condition", source, "error", err)

		program = nil
	}

	e.mu.Lock()
	e.programs[source] = program
	e.mu.Unlock()

	return program, program != nil
}

func (e *Evaluator) evaluateTemplate(condition string, variables map[string]any) bool {
	data := make(map[string]any, len(variables)+1)
	for key, value := range variables {
		data[key] = value
	}

	data["vars"] = variables

	result, err := template.Render(condition, data)
	if err != nil {
		e.logger.Debug("Templated condition does not render, treating as true", "condition", condition, "error", err)

		return true
	}

	return truthy(result)
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	default:
		return true
	}
}

func toInt(value any) (int, bool) {
	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return int(rv.Float()), true
	default:
		return 0, false
	}
}
