package calc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/toolagent/internal/tool"
)

func TestCalcTools(t *testing.T) {
	reg, err := tool.NewRegistry(Tools()...)
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "subtract", "multiply", "divide"}, reg.Names())

	tests := []struct {
		tool string
		a, b any
		want string
	}{
		{"add", 2.0, 3.0, "5"},
		{"subtract", 5.0, 1.0, "4"},
		{"multiply", 2.5, 4, "10"},
		{"divide", 7.0, 2.0, "3.5"},
		{"add", "1.5", 1, "2.5"},
	}
	for _, tt := range tests {
		spec, err := reg.Lookup(tt.tool)
		require.NoError(t, err)
		got, err := spec.Handler.Call(context.Background(), map[string]any{"a": tt.a, "b": tt.b})
		require.NoError(t, err, tt.tool)
		assert.Equal(t, tt.want, got, tt.tool)
	}
}

func TestDivideByZero(t *testing.T) {
	reg, err := tool.NewRegistry(Tools()...)
	require.NoError(t, err)
	spec, err := reg.Lookup("divide")
	require.NoError(t, err)

	_, err = spec.Handler.Call(context.Background(), map[string]any{"a": 1.0, "b": 0.0})
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestMissingOperand(t *testing.T) {
	spec := Tools()[0]
	_, err := spec.Handler.Call(context.Background(), map[string]any{"a": 1.0})
	require.ErrorIs(t, err, tool.ErrInvalidArgument)
}
