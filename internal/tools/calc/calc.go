// Package calc exposes basic arithmetic as tools.
package calc

import (
	"context"
	"errors"
	"strconv"

	"github.com/ashureev/toolagent/internal/tool"
)

// ErrDivideByZero is returned by divide when b is zero.
var ErrDivideByZero = errors.New("cannot divide by zero")

// Tools returns the add, subtract, multiply and divide specs.
func Tools() []tool.Spec {
	return []tool.Spec{
		binary("add", "Add two numbers", func(a, b float64) (float64, error) { return a + b, nil }),
		binary("subtract", "Subtract b from a", func(a, b float64) (float64, error) { return a - b, nil }),
		binary("multiply", "Multiply two numbers", func(a, b float64) (float64, error) { return a * b, nil }),
		binary("divide", "Divide a by b", func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a / b, nil
		}),
	}
}

func binary(name, desc string, op func(a, b float64) (float64, error)) tool.Spec {
	return tool.Spec{
		Name:        name,
		Description: desc,
		Parameters: tool.Object(map[string]any{
			"a": tool.Prop("number", "First operand"),
			"b": tool.Prop("number", "Second operand"),
		}, "a", "b"),
		Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
			a, err := tool.Float(args, "a")
			if err != nil {
				return "", err
			}
			b, err := tool.Float(args, "b")
			if err != nil {
				return "", err
			}
			v, err := op(a, b)
			if err != nil {
				return "", err
			}
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}),
	}
}
