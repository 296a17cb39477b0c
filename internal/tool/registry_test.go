package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSpec(name string) Spec {
	return Spec{
		Name:        name,
		Description: "echo " + name,
		Handler: HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
			return name, nil
		}),
	}
}

func TestNewRegistryKeepsOrder(t *testing.T) {
	r, err := NewRegistry(echoSpec("b"), echoSpec("a"), echoSpec("c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "c"}, r.Names())
	assert.Equal(t, 3, r.Len())

	schemas := r.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "b", schemas[0].Name)
	assert.Equal(t, "object", schemas[0].Parameters["type"])
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(echoSpec("a"), echoSpec("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTool))
}

func TestNewRegistryRejectsNilHandler(t *testing.T) {
	_, err := NewRegistry(Spec{Name: "broken"})
	require.Error(t, err)
}

func TestLookupUnknownTool(t *testing.T) {
	r, err := NewRegistry(echoSpec("a"))
	require.NoError(t, err)

	_, err = r.Lookup("missing")
	require.ErrorIs(t, err, ErrToolNotFound)

	s, err := r.Lookup("a")
	require.NoError(t, err)
	out, err := s.Handler.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", out)
}

func TestIsApproval(t *testing.T) {
	tests := []struct {
		decision string
		want     bool
	}{
		{"yes", true},
		{"YES", true},
		{"  Yes\n", true},
		{"no", false},
		{"y", false},
		{"sure", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsApproval(tt.decision), "decision %q", tt.decision)
	}
}

func TestApprovalPromptDefault(t *testing.T) {
	s := echoSpec("launch")
	s.RequiresApproval = true
	prompt, err := s.ApprovalPrompt(nil)
	require.NoError(t, err)
	assert.Equal(t, "Approve calling launch? (yes/no)", prompt)
}

func TestArgs(t *testing.T) {
	args := map[string]any{
		"f":     2.5,
		"i":     float64(10),
		"frac":  1.5,
		"s":     "AAPL",
		"blank": "  ",
		"num":   "7",
	}

	f, err := Float(args, "f")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	i, err := Int(args, "i")
	require.NoError(t, err)
	assert.Equal(t, int64(10), i)

	_, err = Int(args, "frac")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	n, err := Int(args, "num")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	s, err := String(args, "s")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", s)

	_, err = String(args, "blank")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Float(args, "missing")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	opt, err := OptionalString(args, "missing", "category")
	require.NoError(t, err)
	assert.Equal(t, "category", opt)

	_, err = OptionalString(args, "f", "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
