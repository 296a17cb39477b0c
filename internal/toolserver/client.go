package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/toolagent/internal/tool"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("tool server not serving")
)

// ClientConfig holds configuration for one remote tool server.
type ClientConfig struct {
	Name             string
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// Tools, when non-empty, limits which remote tools are exposed.
	Tools       []string
	DialOptions []grpc.DialOption
}

func (c *ClientConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
}

// Client is a connection to a remote tool server.
type Client struct {
	conn   *grpc.ClientConn
	cfg    ClientConfig
	logger *slog.Logger
}

// Dial connects to a tool server and fails fast unless it becomes ready and
// reports SERVING within the connect timeout.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create tool server client %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("tool server %s at %s not ready: %w", cfg.Name, cfg.Address, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(connectCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("health check %s: %w", cfg.Name, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("%w: %s is %s", errNotServing, cfg.Name, resp.GetStatus())
	}

	logger.Info("Connected to tool server", "name", cfg.Name, "address", cfg.Address)
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

// DialAll connects to every configured server concurrently. If any dial
// fails, the connections already made are closed.
func DialAll(ctx context.Context, cfgs []ClientConfig, logger *slog.Logger) ([]*Client, error) {
	clients := make([]*Client, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			c, err := Dial(gctx, cfg, logger)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, err
	}
	return clients, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

func closeQuietly(conn *grpc.ClientConn, logger *slog.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tools lists the remote tools as local specs whose handlers forward to the
// server.
func (c *Client) Tools(ctx context.Context) ([]tool.Spec, error) {
	out, err := c.invoke(ctx, listToolsMethod, &structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.cfg.Name, err)
	}
	resp, err := fromStruct[listToolsResponse](out)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.cfg.Name, err)
	}

	allowed := make(map[string]bool, len(c.cfg.Tools))
	for _, name := range c.cfg.Tools {
		allowed[name] = true
	}

	specs := make([]tool.Spec, 0, len(resp.Tools))
	for _, d := range resp.Tools {
		if len(allowed) > 0 && !allowed[d.Name] {
			continue
		}
		spec := tool.Spec{
			Name:             d.Name,
			Description:      d.Description,
			Parameters:       d.Parameters,
			RequiresApproval: d.RequiresApproval,
			Handler:          c.remoteHandler(d.Name),
		}
		if d.RequiresApproval {
			spec.Prompter = c.remotePrompter(d.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (c *Client) remoteHandler(name string) tool.Handler {
	return tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
		in, err := toStruct(callRequest{Name: name, Args: args})
		if err != nil {
			return "", err
		}
		out, err := c.invoke(ctx, callToolMethod, in)
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s on %s", tool.ErrToolNotFound, name, c.cfg.Name)
		}
		if err != nil {
			return "", fmt.Errorf("call %s on %s: %w", name, c.cfg.Name, err)
		}
		resp, err := fromStruct[callResponse](out)
		if err != nil {
			return "", err
		}
		if resp.Error != "" {
			return "", errors.New(resp.Error)
		}
		return resp.Output, nil
	})
}

func (c *Client) remotePrompter(name string) tool.Prompter {
	return tool.PromptFunc(func(args map[string]any) (string, error) {
		in, err := toStruct(callRequest{Name: name, Args: args})
		if err != nil {
			return "", err
		}
		out, err := c.invoke(context.Background(), promptToolMethod, in)
		if err != nil {
			return "", fmt.Errorf("prompt %s on %s: %w", name, c.cfg.Name, err)
		}
		resp, err := fromStruct[callResponse](out)
		if err != nil {
			return "", err
		}
		return resp.Prompt, nil
	})
}
