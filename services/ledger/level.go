package ledger

import (
	"fmt"
	"math"

	"smallbiznis-economy/pkg/celengine"
	"smallbiznis-economy/pkg/config"

	"github.com/google/cel-go/cel"
)

// LevelFormula maps lifetime earnings to a level. Implementations must be
// non-decreasing in totalEarned and return at least 1.
type LevelFormula interface {
	Level(totalEarned int64) int
}

const (
	FormulaSqrt       = "sqrt"
	FormulaLinear     = "linear"
	FormulaExpression = "expression"
)

func NewLevelFormula(cfg *config.Config) (LevelFormula, error) {
	lc := cfg.Economy.Level
	switch lc.Formula {
	case FormulaSqrt, "":
		return NewSqrtFormula(lc.Divisor)
	case FormulaLinear:
		if lc.Step <= 0 {
			return nil, fmt.Errorf("linear level formula needs a positive step, got %d", lc.Step)
		}
		return linearFormula{step: lc.Step}, nil
	case FormulaExpression:
		return NewExpressionFormula(lc.Expression)
	default:
		return nil, fmt.Errorf("unknown level formula %q", lc.Formula)
	}
}

type sqrtFormula struct {
	divisor int64
}

// NewSqrtFormula returns floor(sqrt(totalEarned/divisor)) + 1.
func NewSqrtFormula(divisor int64) (LevelFormula, error) {
	if divisor <= 0 {
		return nil, fmt.Errorf("sqrt level formula needs a positive divisor, got %d", divisor)
	}
	return sqrtFormula{divisor: divisor}, nil
}

func (f sqrtFormula) Level(totalEarned int64) int {
	if totalEarned <= 0 {
		return 1
	}
	return int(isqrt(totalEarned/f.divisor)) + 1
}

type linearFormula struct {
	step int64
}

func (f linearFormula) Level(totalEarned int64) int {
	if totalEarned <= 0 {
		return 1
	}
	return int(totalEarned/f.step) + 1
}

type expressionFormula struct {
	expr string
	prg  cel.Program
}

// probes are checked at construction; the expression must not decrease
// across them and must evaluate without error.
var probes = []int64{0, 1, 10, 50, 100, 250, 500, 1_000, 2_500, 5_000, 10_000, 25_000, 50_000, 100_000, 1_000_000, 10_000_000, 100_000_000}

// NewExpressionFormula compiles a CEL expression over total_earned.
func NewExpressionFormula(expr string) (LevelFormula, error) {
	env, err := celengine.GetOrBuildEnv(map[string]interface{}{"total_earned": int64(0)})
	if err != nil {
		return nil, err
	}

	prg, err := celengine.Compile(env, expr)
	if err != nil {
		return nil, fmt.Errorf("compile level expression: %w", err)
	}

	f := &expressionFormula{expr: expr, prg: prg}

	prev := int64(math.MinInt64)
	for _, p := range probes {
		v, err := celengine.EvalInt(prg, map[string]interface{}{"total_earned": p})
		if err != nil {
			return nil, fmt.Errorf("level expression at total_earned=%d: %w", p, err)
		}
		if v < prev {
			return nil, fmt.Errorf("level expression decreases at total_earned=%d (%d < %d)", p, v, prev)
		}
		prev = v
	}

	return f, nil
}

func (f *expressionFormula) Level(totalEarned int64) int {
	v, err := celengine.EvalInt(f.prg, map[string]interface{}{"total_earned": totalEarned})
	if err != nil || v < 1 {
		return 1
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

func isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	r := int64(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
