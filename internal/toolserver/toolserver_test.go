package toolserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/toolagent/internal/tool"
	"github.com/ashureev/toolagent/internal/tools/calc"
	"github.com/ashureev/toolagent/internal/tools/stocks"
)

func startServer(t *testing.T, specs ...tool.Spec) ClientConfig {
	t.Helper()
	reg, err := tool.NewRegistry(specs...)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(reg, nil).ServeListener(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return ClientConfig{
		Name:           "test",
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
}

func dialTest(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRemoteToolsRoundTrip(t *testing.T) {
	specs := append(calc.Tools(), stocks.Tools(stocks.NewClient("http://127.0.0.1:0", "demo", time.Second))...)
	client := dialTest(t, startServer(t, specs...))

	remote, err := client.Tools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(remote))
	for _, s := range remote {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"add", "subtract", "multiply", "divide", "get_stock_price", "buy_stock"}, names)

	reg, err := tool.NewRegistry(remote...)
	require.NoError(t, err)

	add, err := reg.Lookup("add")
	require.NoError(t, err)
	assert.False(t, add.RequiresApproval)
	assert.Equal(t, "object", add.Parameters["type"])

	out, err := add.Handler.Call(context.Background(), map[string]any{"a": 2, "b": 3.5})
	require.NoError(t, err)
	assert.Equal(t, "5.5", out)
}

func TestRemoteHandlerErrorsBecomeGoErrors(t *testing.T) {
	client := dialTest(t, startServer(t, calc.Tools()...))
	remote, err := client.Tools(context.Background())
	require.NoError(t, err)
	reg, err := tool.NewRegistry(remote...)
	require.NoError(t, err)

	divide, err := reg.Lookup("divide")
	require.NoError(t, err)
	_, err = divide.Handler.Call(context.Background(), map[string]any{"a": 1, "b": 0})
	require.Error(t, err)
	assert.Equal(t, "cannot divide by zero", err.Error())
}

func TestRemoteApprovalCarriesDecision(t *testing.T) {
	specs := stocks.Tools(stocks.NewClient("http://127.0.0.1:0", "demo", time.Second))
	client := dialTest(t, startServer(t, specs...))
	remote, err := client.Tools(context.Background())
	require.NoError(t, err)
	reg, err := tool.NewRegistry(remote...)
	require.NoError(t, err)

	buy, err := reg.Lookup("buy_stock")
	require.NoError(t, err)
	require.True(t, buy.RequiresApproval)

	args := map[string]any{"symbol": "aapl", "quantity": 3}
	prompt, err := buy.ApprovalPrompt(args)
	require.NoError(t, err)
	assert.Equal(t, "Approve buying 3 shares of AAPL? (yes/no)", prompt)

	out, err := buy.Handler.Call(context.Background(), map[string]any{"symbol": "aapl", "quantity": 3, tool.DecisionArg: "yes"})
	require.NoError(t, err)
	assert.Equal(t, "Purchased order placed for 3 shares of AAPL", out)

	out, err = buy.Handler.Call(context.Background(), map[string]any{"symbol": "aapl", "quantity": 3, tool.DecisionArg: "no"})
	require.NoError(t, err)
	assert.Equal(t, "Order for purchasing shares of AAPL was declined by human", out)
}

func TestUnknownToolIsNotFound(t *testing.T) {
	client := dialTest(t, startServer(t, calc.Tools()...))

	in, err := toStruct(callRequest{Name: "missing", Args: map[string]any{}})
	require.NoError(t, err)
	_, err = client.invoke(context.Background(), callToolMethod, in)
	assert.Equal(t, codes.NotFound, status.Code(err))

	handler := client.remoteHandler("missing")
	_, err = handler.Call(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, tool.ErrToolNotFound)
}

func TestToolFilter(t *testing.T) {
	cfg := startServer(t, calc.Tools()...)
	cfg.Tools = []string{"multiply"}
	client := dialTest(t, cfg)

	remote, err := client.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, "multiply", remote[0].Name)
}

func TestDialFailsFastWhenUnreachable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	_, err := Dial(context.Background(), ClientConfig{
		Name:           "down",
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 300 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}

func TestDialAll(t *testing.T) {
	a := startServer(t, calc.Tools()...)
	b := startServer(t, stocks.Tools(stocks.NewClient("http://127.0.0.1:0", "demo", time.Second))...)
	b.Name = "market"

	clients, err := DialAll(context.Background(), []ClientConfig{a, b}, nil)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "test", clients[0].Name())
	assert.Equal(t, "market", clients[1].Name())
	for _, c := range clients {
		require.NoError(t, c.Close())
	}
}

func TestStructConversion(t *testing.T) {
	s, err := toStruct(callRequest{Name: "add", Args: map[string]any{"a": 1, "nested": []int{1, 2}}})
	require.NoError(t, err)
	assert.Equal(t, "add", s.Fields["name"].GetStringValue())

	req, err := fromStruct[callRequest](s)
	require.NoError(t, err)
	assert.Equal(t, "add", req.Name)
	assert.Equal(t, float64(1), req.Args["a"])
	assert.Equal(t, []any{float64(1), float64(2)}, req.Args["nested"])

	empty, err := fromStruct[callResponse](&structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, callResponse{}, empty)
}
