package vm

import (
	"fmt"
	"math"
)

// Value is a runtime value: int64, float64, bool, string, or nil.
type Value = interface{}

// Truthy follows the language's boolean coercion: false, zero, the
// empty string, and null are false.
func Truthy(v Value) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case nil:
		return false
	}
	return true
}

func isNumeric(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v Value) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case float64:
		return val
	}
	return math.NaN()
}

// ValuesEqual compares two values. Mixed int/float comparisons
// promote to float.
func ValuesEqual(a, b Value) bool {
	if isNumeric(a) && isNumeric(b) {
		return toFloat(a) == toFloat(b)
	}
	return a == b
}

// binaryArith applies +, -, * with int64 arithmetic when both sides
// are integers, and float64 otherwise. ADD also concatenates strings.
func binaryArith(op string, left, right Value) (Value, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}

	li, lInt := left.(int64)
	ri, rInt := right.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		}
	}

	if !isNumeric(left) || !isNumeric(right) {
		return nil, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	lf, rf := toFloat(left), toFloat(right)
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %s", op)
}

// divide always produces a float; division by zero is a fault.
func divide(left, right Value) (Value, error) {
	if !isNumeric(left) || !isNumeric(right) {
		return nil, fmt.Errorf("division requires numeric operands, got %T and %T", left, right)
	}
	rf := toFloat(right)
	if rf == 0 {
		return nil, fmt.Errorf("division by zero")
	}
	return toFloat(left) / rf, nil
}

// compare applies an ordering operator. Numbers order numerically,
// strings lexicographically.
func compare(op string, left, right Value) (Value, error) {
	if isNumeric(left) && isNumeric(right) {
		lf, rf := toFloat(left), toFloat(right)
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	return nil, fmt.Errorf("operator %s cannot order %T and %T", op, left, right)
}

func negate(v Value) (Value, error) {
	switch val := v.(type) {
	case int64:
		return -val, nil
	case float64:
		return -val, nil
	}
	return nil, fmt.Errorf("unary minus requires a numeric operand, got %T", v)
}
