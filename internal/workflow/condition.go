package workflow

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/plugrig/plugrig/internal/fault"
)

// Condition expressions take the form "<path> <op> <literal>" where
// the path is a gjson path into the shared document, the operator is
// one of == != > >= < <=, and the literal is a number, a quoted or
// bare string, true, false, or null. A bare path with no operator is
// truthy: it holds when the value exists and is neither false, null,
// zero, nor the empty string.

var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// EvaluateCondition evaluates a condition expression against the
// shared document. The empty expression is vacuously true.
func EvaluateCondition(doc Document, expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, op := range conditionOps {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(expr[:idx])
		literal := strings.TrimSpace(expr[idx+len(op):])
		if path == "" || literal == "" {
			return false, fault.New(fault.InvalidFormat, "malformed condition %q", expr)
		}
		return compare(doc.Get(path), op, literal)
	}

	// Bare path: truthiness of the value.
	value := doc.Get(expr)
	switch value.Type {
	case gjson.Null:
		return false, nil
	case gjson.False:
		return false, nil
	case gjson.Number:
		return value.Float() != 0, nil
	case gjson.String:
		return value.Str != "", nil
	default:
		return value.Exists(), nil
	}
}

func compare(value gjson.Result, op, literal string) (bool, error) {
	switch op {
	case "==", "!=":
		equal := valueEquals(value, literal)
		if op == "!=" {
			return !equal, nil
		}
		return equal, nil
	}

	// Ordering: numeric when the literal parses as a number, string
	// comparison otherwise.
	if n, err := strconv.ParseFloat(literal, 64); err == nil {
		return orderedFloat(value.Float(), op, n), nil
	}
	return orderedString(value.String(), op, unquote(literal)), nil
}

func valueEquals(value gjson.Result, literal string) bool {
	switch literal {
	case "true":
		return value.Type == gjson.True
	case "false":
		return value.Type == gjson.False
	case "null":
		return value.Type == gjson.Null || !value.Exists()
	}
	if n, err := strconv.ParseFloat(literal, 64); err == nil {
		return value.Type == gjson.Number && value.Float() == n
	}
	return value.String() == unquote(literal)
}

func orderedFloat(a float64, op string, b float64) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	default:
		return a <= b
	}
}

func orderedString(a, op, b string) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	default:
		return a <= b
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
