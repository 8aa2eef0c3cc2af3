// Package expression evaluates the boolean and value expressions embedded in flow
// definitions (completion conditions, action guards, transition predicates, derivations).
//
// Expressions only see an explicit scope: userData, templateContext and stage. Host state is
// never reachable from an expression.
package expression

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BTreeMap/OnboardPipe/internal/fields"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Scope is the whitelisted data an expression may read.
type Scope struct {
	UserData        models.UserData
	TemplateContext map[string]any
	Stage           string
}

func (s Scope) env() map[string]any {
	data := make(map[string]any, len(s.UserData))
	for k, v := range s.UserData {
		data[k] = v
	}
	tc := s.TemplateContext
	if tc == nil {
		tc = map[string]any{}
	}
	return map[string]any{
		"userData":        data,
		"templateContext": tc,
		"stage":           s.Stage,
		"null":            nil,
		// defined("field") distinguishes a missing key from a key holding null.
		"defined": func(key string) bool {
			_, exists := data[key]
			return exists
		},
	}
}

var functions = []expr.Option{
	// present(x) is true for non-empty, non-placeholder values.
	expr.Function("present", func(params ...any) (any, error) {
		return fields.IsPresent(params[0]), nil
	}, new(func(any) bool)),
	// digits(x) strips everything but digits.
	expr.Function("digits", func(params ...any) (any, error) {
		s := fmt.Sprint(params[0])
		var b strings.Builder
		for _, r := range s {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String(), nil
	}, new(func(any) string)),
}

// Evaluator compiles and runs expressions. Compiled programs are cached per expression
// text, so an Evaluator is safe for concurrent use and cheap to share.
type Evaluator struct {
	programs sync.Map // string -> *vm.Program
}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if cached, found := e.programs.Load(expression); found {
		return cached.(*vm.Program), nil
	}
	// expr.Env must precede AllowUndefinedVariables.
	opts := []expr.Option{
		expr.Env(Scope{}.env()),
		expr.AllowUndefinedVariables(),
	}
	opts = append(opts, functions...)
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	e.programs.Store(expression, program)
	return program, nil
}

// Check reports whether expression compiles.
func (e *Evaluator) Check(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("empty expression")
	}
	_, err := e.compile(strings.TrimSpace(expression))
	return err
}

// Eval runs expression against scope and returns its raw value.
func (e *Evaluator) Eval(expression string, scope Scope) (result any, err error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("expression panicked: %v", r)
		}
	}()

	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, scope.env())
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", expression, err)
	}
	return out, nil
}

// Bool evaluates expression as a condition. Failures are logged and read as false so that a
// broken condition never aborts a turn.
func (e *Evaluator) Bool(expression string, scope Scope) bool {
	out, err := e.Eval(expression, scope)
	if err != nil {
		slog.Warn("Evaluator.Bool: expression failed, treating as false", "stage", scope.Stage, "expression", expression, "error", err)
		return false
	}
	return Truthy(out)
}

// Truthy converts an expression result into a condition outcome. nil, false, zero numbers,
// empty strings and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
