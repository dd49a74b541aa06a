package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alovak/smartpay-driver/bridge/models"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// DefaultCallTimeout bounds the wait for a reply when no timeout is configured.
const DefaultCallTimeout = 5 * time.Minute

var (
	ErrBusy    = errors.New("another method is executing")
	ErrTimeout = errors.New("timed out waiting for reply")
	ErrClosed  = errors.New("client closed")
)

type ClientConfig struct {
	// CallTimeout bounds each call. Zero means DefaultCallTimeout, a negative
	// value disables the timeout.
	CallTimeout time.Duration
}

// pendingCall is the rendezvous between a waiting caller and the reply handler.
type pendingCall struct {
	id   string
	done chan models.Response
}

// Client is the caller side of the bridge. Every call blocks until the driver
// answers. Init, Test, Pay and ExecuteCommand are mutually exclusive; Cancel
// may be issued while one of them is in flight.
type Client struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	mu         sync.Mutex
	busy       bool
	closed     bool
	pending    map[Method]*pendingCall
	onProgress func(models.PayProgress)
}

func NewClient(logger *slog.Logger, transport Transport, cfg ClientConfig) *Client {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	return &Client{
		transport: transport,
		logger:    logger.With(slog.String("component", "bridge_client")),
		timeout:   timeout,
		pending:   make(map[Method]*pendingCall),
	}
}

// OnProgress registers fn to receive progress messages sent during a payment.
func (c *Client) OnProgress(fn func(models.PayProgress)) *Client {
	c.mu.Lock()
	c.onProgress = fn
	c.mu.Unlock()
	return c
}

// Run delivers inbound messages to the client until ctx is done or the
// transport closes.
func (c *Client) Run(ctx context.Context) error {
	return c.transport.Listen(ctx, c.HandleMessage)
}

func (c *Client) Init(ctx context.Context, params models.InitParameters) (models.Response, error) {
	return c.call(ctx, MethodInit, params, true)
}

func (c *Client) Test(ctx context.Context) (models.Response, error) {
	return c.call(ctx, MethodTest, nil, true)
}

func (c *Client) Pay(ctx context.Context, req models.PayRequest) (models.Response, error) {
	return c.call(ctx, MethodPay, req, true)
}

// Cancel asks the driver to abandon the payment in flight.
func (c *Client) Cancel(ctx context.Context) (models.Response, error) {
	return c.call(ctx, MethodCancel, nil, false)
}

func (c *Client) ExecuteCommand(ctx context.Context, req models.ExecuteCommandRequest) (models.Response, error) {
	return c.call(ctx, MethodExecuteCommand, req, true)
}

// Busy reports whether a guarded call is in flight.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Close fails every waiting call with ErrClosed and closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for method, p := range c.pending {
		close(p.done)
		delete(c.pending, method)
	}
	c.mu.Unlock()

	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method Method, params any, guarded bool) (models.Response, error) {
	p, err := c.acquire(method, guarded)
	if err != nil {
		c.logger.Warn("call rejected", slog.String("method", string(method)), "err", err)
		return models.Response{}, err
	}
	defer c.release(method, p, guarded)

	logger := c.logger.With(slog.String("method", string(method)), slog.String("id", p.id))

	msg, err := NewMessage(method, params)
	if err != nil {
		return models.Response{}, err
	}
	msg.ID = p.id

	data, err := msg.Marshal()
	if err != nil {
		return models.Response{}, fmt.Errorf("encoding %s message: %w", method, err)
	}
	if err := c.transport.Send(data); err != nil {
		logger.Error("sending request", "err", err)
		return models.Response{}, fmt.Errorf("sending %s: %w", method, err)
	}
	logger.Info("request sent")

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp, ok := <-p.done:
		if !ok {
			return models.Response{}, ErrClosed
		}
		logger.Info("reply received", slog.Int("status", resp.Status))
		return resp, nil
	case <-timeout:
		logger.Error("no reply", slog.Duration("timeout", c.timeout))
		return models.Response{}, ErrTimeout
	case <-ctx.Done():
		return models.Response{}, ctx.Err()
	}
}

func (c *Client) acquire(method Method, guarded bool) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.pending[method]; ok {
		return nil, ErrBusy
	}
	if guarded {
		if c.busy {
			return nil, ErrBusy
		}
		c.busy = true
	}

	p := &pendingCall{id: uuid.NewString(), done: make(chan models.Response, 1)}
	c.pending[method] = p
	return p, nil
}

func (c *Client) release(method Method, p *pendingCall, guarded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[method] == p {
		delete(c.pending, method)
	}
	if guarded {
		c.busy = false
	}
}

// HandleMessage completes the pending call the message answers. Replies for
// calls nobody waits on any more are dropped.
func (c *Client) HandleMessage(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Error("dropping message", "err", err)
		return
	}

	var resp models.Response
	if err := msg.DecodeParams(&resp); err != nil {
		c.logger.Error("dropping message", slog.String("method", string(msg.Method)), "err", err)
		return
	}

	if msg.Method == MethodProgressMessage {
		c.mu.Lock()
		fn := c.onProgress
		c.mu.Unlock()
		if fn != nil && resp.PayProgress != nil {
			fn(*resp.PayProgress)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[msg.Method]
	if !ok {
		c.logger.Warn("unsolicited reply", slog.String("method", string(msg.Method)), slog.String("id", msg.ID))
		return
	}
	if msg.ID != "" && msg.ID != p.id {
		c.logger.Warn("stale reply", slog.String("method", string(msg.Method)), slog.String("id", msg.ID))
		return
	}

	select {
	case p.done <- resp:
	default:
		c.logger.Warn("duplicate reply", slog.String("method", string(msg.Method)), slog.String("id", msg.ID))
	}
}
