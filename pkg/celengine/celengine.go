package celengine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

var envCache = sync.Map{}

// GetOrBuildEnv caches environments by their variable declarations.
func GetOrBuildEnv(attrs map[string]interface{}) (*cel.Env, error) {
	key := envKey(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err == nil {
		envCache.Store(key, env)
	}

	return env, err
}

func envKey(attrs map[string]interface{}) string {
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func BuildCelEnvFromAttributes(attrs map[string]interface{}) (*cel.Env, error) {
	var variables []cel.EnvOption

	for key, val := range attrs {
		switch val.(type) {
		case string:
			variables = append(variables, cel.Variable(key, cel.StringType))
		case int, int32, int64:
			variables = append(variables, cel.Variable(key, cel.IntType))
		case float32, float64:
			variables = append(variables, cel.Variable(key, cel.DoubleType))
		case bool:
			variables = append(variables, cel.Variable(key, cel.BoolType))
		case map[string]interface{}:
			variables = append(variables, cel.Variable(key, cel.MapType(cel.StringType, cel.DynType)))
		default:
			zap.L().Debug("unhandled cel attribute type", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", val)))
			variables = append(variables, cel.Variable(key, cel.DynType))
		}
	}

	return cel.NewEnv(variables...)
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}

// Compile checks expr and returns a reusable program.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	return env.Program(ast, cel.CostLimit(10_000))
}

// EvalInt runs prg and coerces a numeric result to int64, flooring doubles.
func EvalInt(prg cel.Program, attrs map[string]interface{}) (int64, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return 0, err
	}

	switch v := out.Value().(type) {
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64, nil
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expression produced %v", v)
		}
		return int64(math.Floor(v)), nil
	default:
		return 0, fmt.Errorf("expected number from expression, got %T (%v)", v, v)
	}
}
