// Package predicate evaluates the data-driven checks used by playbook
// preconditions and step verifications.
package predicate

import (
	"fmt"
	"strings"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Eval checks one predicate against a key/value context. A missing key
// always fails. With no op set, key existence is the whole check.
func Eval(p contracts.Predicate, ctx map[string]any) bool {
	val, ok := ctx[p.Key]
	if !ok {
		return false
	}
	switch p.Op {
	case "", "exists":
		return true
	case "eq":
		return fmt.Sprint(val) == fmt.Sprint(p.Value)
	case "ne":
		return fmt.Sprint(val) != fmt.Sprint(p.Value)
	case "contains":
		return strings.Contains(fmt.Sprint(val), fmt.Sprint(p.Value))
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

// All reports whether every predicate holds.
func All(preds []contracts.Predicate, ctx map[string]any) bool {
	for _, p := range preds {
		if !Eval(p, ctx) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
