package admission

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// predicate проверяет одно поле контекста запроса
type predicate func(v any) bool

// conditionSet — скомпилированные условия правила: все должны выполниться
type conditionSet map[string]predicate

// compileConditions проверяет и компилирует условия один раз, при добавлении правила
func compileConditions(conds map[string]domain.ConditionSpec) (conditionSet, error) {
	out := make(conditionSet, len(conds))
	for field, spec := range conds {
		p, err := compileCondition(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", domain.ErrInvalidRule, field, err)
		}
		out[field] = p
	}
	return out, nil
}

func compileCondition(spec domain.ConditionSpec) (predicate, error) {
	set := 0
	if spec.Equals != nil {
		set++
	}
	if spec.In != nil {
		set++
	}
	if spec.Range != nil {
		set++
	}
	if spec.Regex != "" {
		set++
	}
	if spec.Contains != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one predicate expected, got %d", set)
	}

	switch {
	case spec.Equals != nil:
		want := spec.Equals
		return func(v any) bool { return sameValue(v, want) }, nil

	case spec.In != nil:
		members := spec.In
		return func(v any) bool {
			for _, want := range members {
				if sameValue(v, want) {
					return true
				}
			}
			return false
		}, nil

	case spec.Range != nil:
		r := *spec.Range
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return nil, fmt.Errorf("range min %v > max %v", *r.Min, *r.Max)
		}
		return func(v any) bool {
			f, ok := number(v)
			if !ok {
				return false
			}
			return (r.Min == nil || f >= *r.Min) && (r.Max == nil || f <= *r.Max)
		}, nil

	case spec.Regex != "":
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("bad regex: %w", err)
		}
		return func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil

	default:
		sub := spec.Contains
		return func(v any) bool {
			switch t := v.(type) {
			case string:
				return strings.Contains(t, sub)
			case []string:
				for _, s := range t {
					if s == sub {
						return true
					}
				}
			case []any:
				for _, s := range t {
					if s == sub {
						return true
					}
				}
			}
			return false
		}, nil
	}
}

// match — все условия выполняются; отсутствующее в контексте поле условие проваливает
func (cs conditionSet) match(ctx map[string]any) bool {
	for field, p := range cs {
		v, ok := ctx[field]
		if !ok || !p(v) {
			return false
		}
	}
	return true
}

// sameValue — равенство с нормализацией чисел (JSON float64 против int из конфига)
func sameValue(got, want any) bool {
	if gf, ok := number(got); ok {
		if wf, ok := number(want); ok {
			_, gs := got.(string)
			_, ws := want.(string)
			// Строки сравниваем как строки: "01" != "1"
			if !gs && !ws {
				return gf == wf
			}
		}
	}
	if gs, ok := got.(string); ok {
		ws, ok := want.(string)
		return ok && gs == ws
	}
	return reflect.DeepEqual(got, want)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
