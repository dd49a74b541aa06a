package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alovak/smartpay-driver/bridge/models"
	"golang.org/x/exp/slog"
)

// ResponseWriter answers one inbound request.
type ResponseWriter interface {
	// Reply sends the final answer. Only the first call is sent.
	Reply(resp models.Response) error
	// Progress pushes a progressmessage tied to the request.
	Progress(p models.PayProgress) error
}

// Callbacks are the driver-side request handlers. Each call runs on its own
// goroutine; handlers are responsible for their own mutual exclusion.
type Callbacks interface {
	InitRequest(ctx context.Context, params json.RawMessage, w ResponseWriter)
	TestRequest(ctx context.Context, params json.RawMessage, w ResponseWriter)
	PayRequest(ctx context.Context, params json.RawMessage, w ResponseWriter)
	CancelRequest(ctx context.Context, params json.RawMessage, w ResponseWriter)
	ExecuteCommandRequest(ctx context.Context, params json.RawMessage, w ResponseWriter)
}

// Dispatcher routes messages arriving on a transport to Callbacks.
type Dispatcher struct {
	transport Transport
	callbacks Callbacks
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, transport Transport, callbacks Callbacks) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		callbacks: callbacks,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Run listens on the transport until ctx is done or the transport closes,
// then waits for the handlers still running.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.transport.Listen(ctx, func(data []byte) {
		d.HandleMessage(ctx, data)
	})
	d.wg.Wait()
	return err
}

// HandleMessage decodes data and starts the matching handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		d.logger.Error("dropping message", "err", err)
		return
	}

	logger := d.logger.With(slog.String("method", string(msg.Method)), slog.String("id", msg.ID))
	logger.Info("received request")

	var handle func(context.Context, json.RawMessage, ResponseWriter)
	switch msg.Method {
	case MethodInit:
		handle = d.callbacks.InitRequest
	case MethodTest:
		handle = d.callbacks.TestRequest
	case MethodPay:
		handle = d.callbacks.PayRequest
	case MethodCancel:
		handle = d.callbacks.CancelRequest
	case MethodExecuteCommand:
		handle = d.callbacks.ExecuteCommandRequest
	default:
		logger.Warn("method is not a request, ignoring")
		return
	}

	w := &responseWriter{transport: d.transport, method: msg.Method, id: msg.ID, logger: logger}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		handle(ctx, msg.Params, w)
	}()
}

type responseWriter struct {
	transport Transport
	method    Method
	id        string
	logger    *slog.Logger

	mu      sync.Mutex
	replied bool
}

func (w *responseWriter) Reply(resp models.Response) error {
	w.mu.Lock()
	if w.replied {
		w.mu.Unlock()
		w.logger.Warn("reply already sent, dropping", slog.Int("status", resp.Status))
		return nil
	}
	w.replied = true
	w.mu.Unlock()

	if err := w.send(w.method, resp); err != nil {
		return err
	}
	w.logger.Info("sent reply", slog.Int("status", resp.Status), slog.String("description", resp.Description))
	return nil
}

func (w *responseWriter) Progress(p models.PayProgress) error {
	return w.send(MethodProgressMessage, models.Response{Status: models.StatusOK, PayProgress: &p})
}

func (w *responseWriter) send(method Method, resp models.Response) error {
	msg, err := NewMessage(method, resp)
	if err != nil {
		return err
	}
	msg.ID = w.id

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", method, err)
	}
	if err := w.transport.Send(data); err != nil {
		w.logger.Error("sending message", slog.String("sent_method", string(method)), "err", err)
		return fmt.Errorf("sending %s: %w", method, err)
	}
	return nil
}
