package synthesis

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// predicateEvaluator compiles property predicates to CEL programs, cached by
// expression. The cache is double-checked under the write lock so concurrent
// synthesis never compiles the same predicate twice.
type predicateEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newPredicateEvaluator() (*predicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("signal", cel.DynType),
		cel.Variable("event_time", cel.IntType),
	)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeConfig, err, "create predicate environment")
	}
	return &predicateEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// matches reports whether sig satisfies every predicate.
func (e *predicateEvaluator) matches(sig contracts.Signal, eventTime time.Time, preds []Predicate) (bool, error) {
	if len(preds) == 0 {
		return true, nil
	}
	input := map[string]any{
		"signal":     signalInput(sig),
		"event_time": eventTime.UTC().Unix(),
	}
	for _, p := range preds {
		expr, err := exprFor(p)
		if err != nil {
			return false, err
		}
		ok, err := e.eval(expr, input)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *predicateEvaluator) eval(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, taxonomy.Wrap(taxonomy.CodeConfig, issues.Err(), "compile predicate %q", expr)
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, taxonomy.Wrap(taxonomy.CodeConfig, err, "program predicate %q", expr)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, taxonomy.Wrap(taxonomy.CodeValidation, err, "evaluate predicate %q", expr)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, taxonomy.New(taxonomy.CodeConfig, "predicate %q did not produce a bool", expr)
	}
	return result, nil
}

func signalInput(sig contracts.Signal) map[string]any {
	ctx := sig.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	meta := sig.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"type":       string(sig.Type),
		"severity":   string(sig.Severity),
		"confidence": sig.Confidence,
		"created_at": sig.CreatedAt.UTC().Unix(),
		"context":    ctx,
		"metadata":   meta,
	}
}

// exprFor renders a predicate as a CEL expression. The rendered string is the
// cache key, so identical predicates share one compiled program.
func exprFor(p Predicate) (string, error) {
	field, err := fieldExpr(p.Field)
	if err != nil {
		return "", err
	}
	switch p.Operator {
	case OpEquals:
		lit, err := literal(p.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s == %s", field, lit), nil
	case OpGreaterThan, OpLessThan, OpLessThanOrEqual:
		lit, err := literal(p.Value)
		if err != nil {
			return "", err
		}
		op := map[string]string{
			OpGreaterThan:     ">",
			OpLessThan:        "<",
			OpLessThanOrEqual: "<=",
		}[p.Operator]
		return fmt.Sprintf("%s %s %s", field, op, lit), nil
	case OpWithinLastDays:
		days, ok := toInt(p.Value)
		if !ok {
			return "", taxonomy.New(taxonomy.CodeConfig, "within_last_days needs an integer value, got %v", p.Value)
		}
		return fmt.Sprintf("(event_time - %s) <= %d", field, days*86400), nil
	case OpIn:
		values, ok := p.Value.([]any)
		if !ok {
			return "", taxonomy.New(taxonomy.CodeConfig, "in operator needs a list value, got %v", p.Value)
		}
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := literal(v)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		return fmt.Sprintf("%s in [%s]", field, strings.Join(lits, ", ")), nil
	case OpExists:
		return existsExpr(p.Field)
	case OpNotExists:
		expr, err := existsExpr(p.Field)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("!(%s)", expr), nil
	default:
		return "", taxonomy.New(taxonomy.CodeConfig, "unknown predicate operator %q", p.Operator)
	}
}

func fieldExpr(field string) (string, error) {
	if field == "createdAt" {
		return "signal.created_at", nil
	}
	parts := strings.Split(field, ".")
	root := parts[0]
	switch root {
	case "context", "metadata":
		if len(parts) < 2 {
			return "", taxonomy.New(taxonomy.CodeConfig, "predicate field %q has no key under %s", field, root)
		}
	case "confidence", "severity", "type":
		if len(parts) == 1 {
			return "signal." + root, nil
		}
		fallthrough
	default:
		return "", taxonomy.New(taxonomy.CodeConfig, "predicate field %q is not addressable", field)
	}
	expr := "signal." + root
	for _, key := range parts[1:] {
		expr += fmt.Sprintf("[%s]", strconv.Quote(key))
	}
	return expr, nil
}

func existsExpr(field string) (string, error) {
	if field == "createdAt" {
		return "true", nil
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 || (parts[0] != "context" && parts[0] != "metadata") {
		return "", taxonomy.New(taxonomy.CodeConfig, "exists predicate needs a context.* or metadata.* field, got %q", field)
	}
	parent := "signal." + parts[0]
	checks := make([]string, 0, len(parts)-1)
	for _, key := range parts[1:] {
		checks = append(checks, fmt.Sprintf("%s in %s", strconv.Quote(key), parent))
		parent += fmt.Sprintf("[%s]", strconv.Quote(key))
	}
	return strings.Join(checks, " && "), nil
}

// literal renders a YAML value as a CEL literal. Numbers always render as
// doubles: JSON payload values decode as float64, and mixing int literals
// with double fields breaks comparisons.
func literal(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return formatDouble(float64(val)), nil
	case int64:
		return formatDouble(float64(val)), nil
	case float64:
		return formatDouble(val), nil
	default:
		return "", taxonomy.New(taxonomy.CodeConfig, "unsupported predicate literal %T", v)
	}
}

func formatDouble(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	}
	return 0, false
}
