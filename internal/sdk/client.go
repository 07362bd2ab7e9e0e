package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// ErrKernelNotLoaded wraps the load error a relay reported for the kernel.
var ErrKernelNotLoaded = errors.New("kernel failed to load")

// Client lets a page or tool call modules through a kernel channel.
type Client struct {
	ch      transport.Channel
	logger  *zap.Logger
	queries *query.Manager
	router  *router.Router

	statusOnce sync.Once
	statusSeen chan struct{}
	status     types.KernelStatus // Written once before statusSeen closes
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client over ch. Call Run to start receiving responses.
func NewClient(ch transport.Channel, opts ...ClientOption) *Client {
	c := &Client{ch: ch, logger: zap.NewNop(), statusSeen: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	c.queries = query.NewManager(query.WithLogger(c.logger.Named("query")))
	c.router = router.New(c.queries, router.WithLogger(c.logger.Named("router")))
	_ = c.router.HandleFunc(types.MethodKernelAuthStatus, c.handleStatus, router.Notification())
	return c
}

// Ready blocks until a relay reports the kernel's load outcome. It returns nil
// once the kernel has loaded and an error wrapping ErrKernelNotLoaded if it
// failed. Clients attached straight to a kernel never receive a status.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-c.statusSeen:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !c.status.Loaded() {
		return fmt.Errorf("%w: %s", ErrKernelNotLoaded, c.status.KernelLoaded)
	}
	return nil
}

func (c *Client) handleStatus(aq *router.ActiveQuery) {
	var status types.KernelStatus
	if err := aq.Bind(&status); err != nil {
		c.logger.Debug("malformed kernel status", zap.Error(err))
		return
	}
	if status.KernelLoaded == "" || status.KernelLoaded == types.KernelLoadPending {
		return
	}
	c.statusOnce.Do(func() {
		c.status = status
		close(c.statusSeen)
	})
}

// Run serves the channel until it closes or ctx is done. Outstanding calls
// fail once it returns.
func (c *Client) Run(ctx context.Context) error {
	err := c.router.Serve(ctx, c.ch)
	c.queries.Close()
	return err
}

// ConnectModule starts a module call and returns the pending query. onUpdate,
// if set, receives the module's progress updates.
func (c *Client) ConnectModule(module types.ModuleID, method types.Method, data any, onUpdate func(any), opts ...query.CallOption) (*query.Pending, error) {
	if onUpdate != nil {
		opts = append(opts, query.WithUpdates(onUpdate))
	}
	return c.queries.Issue(c.ch, types.MethodModuleCall, types.ModuleCallData{
		Module: string(module),
		Method: method,
		Data:   data,
	}, opts...)
}

// CallModule calls a module and waits for its result.
func (c *Client) CallModule(ctx context.Context, module types.ModuleID, method types.Method, data any, opts ...query.CallOption) (any, error) {
	p, err := c.ConnectModule(module, method, data, nil, opts...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Query issues a raw kernel query and waits for its result.
func (c *Client) Query(ctx context.Context, method types.Method, data any, opts ...query.CallOption) (any, error) {
	p, err := c.queries.Issue(c.ch, method, data, opts...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Version asks the kernel for its version.
func (c *Client) Version(ctx context.Context) (types.VersionData, error) {
	var v types.VersionData
	raw, err := c.Query(ctx, types.MethodVersion, nil)
	if err != nil {
		return v, err
	}
	if err := Decode(raw, &v); err != nil {
		return v, fmt.Errorf("decoding version: %w", err)
	}
	return v, nil
}

// Decode converts a loosely typed query result into v.
func Decode(raw any, v any) error {
	buf, err := sonic.Marshal(raw)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(buf, v)
}
