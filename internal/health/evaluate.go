package health

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
)

// readyKey — альтернативный сигнал готовности, если successKey в ответе нет
const readyKey = "ready"

// Evaluate классифицирует разобранный ответ агента.
// Порядок: exact-match оверрайд, текстовое значение против acceptedValues,
// поле ready при отсутствии ключа, иначе равенство с SuccessValue.
func Evaluate(spec domain.HealthCheckSpec, raw map[string]any) (domain.HealthStatus, string) {
	value, present := raw[spec.SuccessKey]

	if spec.ExactMatch != "" {
		s, ok := value.(string)
		if ok && s == spec.ExactMatch {
			return domain.HealthHealthy, ""
		}
		return domain.HealthUnhealthy, fmt.Sprintf("%s=%v, want exactly %q", spec.SuccessKey, value, spec.ExactMatch)
	}

	if !present {
		ready, ok := raw[readyKey]
		if !ok {
			return domain.HealthUnhealthy, fmt.Sprintf("reply has neither %q nor %q", spec.SuccessKey, readyKey)
		}
		if b, isBool := ready.(bool); isBool && b {
			return domain.HealthHealthy, ""
		}
		return domain.HealthUnhealthy, fmt.Sprintf("%s=%v", readyKey, ready)
	}

	if s, ok := value.(string); ok {
		if acceptedValue(spec.AcceptedValues, s) {
			return domain.HealthHealthy, ""
		}
		// Строка могла быть сконфигурирована как SuccessValue
		if spec.SuccessValue != nil && equalValues(s, spec.SuccessValue) {
			return domain.HealthHealthy, ""
		}
		return domain.HealthUnhealthy, fmt.Sprintf("%s=%q not accepted", spec.SuccessKey, s)
	}

	want := spec.SuccessValue
	if want == nil {
		want = true
	}
	if equalValues(value, want) {
		return domain.HealthHealthy, ""
	}
	return domain.HealthUnhealthy, fmt.Sprintf("%s=%v, want %v", spec.SuccessKey, value, want)
}

func acceptedValue(accepted []string, got string) bool {
	got = strings.TrimSpace(got)
	for _, a := range accepted {
		if strings.EqualFold(a, got) {
			return true
		}
	}
	return false
}

// equalValues сравнивает значения из JSON (числа приходят как float64) и из конфига (int, string ...)
func equalValues(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	if gs, ok := got.(string); ok {
		if ws, ok := want.(string); ok {
			return gs == ws
		}
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v any) (float64, bool) {
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
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
