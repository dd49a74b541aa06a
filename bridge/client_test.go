package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alovak/smartpay-driver/bridge/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// recordingTransport captures every message sent and never answers on its own.
type recordingTransport struct {
	mu     sync.Mutex
	sent   []Message
	sentCh chan Message
	err    error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sentCh: make(chan Message, 16)}
}

func (r *recordingTransport) Send(data []byte) error {
	if r.err != nil {
		return r.err
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	r.sentCh <- msg
	return nil
}

func (r *recordingTransport) Listen(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func (r *recordingTransport) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-r.sentCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was sent")
	}
	return Message{}
}

func reply(t *testing.T, method Method, id string, resp models.Response) []byte {
	t.Helper()
	msg, err := NewMessage(method, resp)
	require.NoError(t, err)
	msg.ID = id
	data, err := msg.Marshal()
	require.NoError(t, err)
	return data
}

type callResult struct {
	resp models.Response
	err  error
}

func goCall(fn func() (models.Response, error)) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		resp, err := fn()
		ch <- callResult{resp, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
	return callResult{}
}

func TestClientCall(t *testing.T) {
	transport := newRecordingTransport()
	client := NewClient(slog.Default(), transport, ClientConfig{})

	res := goCall(func() (models.Response, error) {
		return client.Pay(context.Background(), models.PayRequest{Amount: 100, TransactionReference: "REF1"})
	})

	sent := transport.next(t)
	require.Equal(t, MethodPay, sent.Method)
	require.NotEmpty(t, sent.ID)

	var req models.PayRequest
	require.NoError(t, sent.DecodeParams(&req))
	require.Equal(t, 100, req.Amount)

	client.HandleMessage(reply(t, MethodPay, sent.ID, models.Response{
		Status:      models.StatusOK,
		Description: "Successful payment",
		PayDetailsExtended: &models.PayDetailsExtended{
			PayDetails:      models.PayDetails{PaidAmount: 100},
			CustomerReceipt: "CUSTOMER COPY",
		},
	}))

	got := wait(t, res)
	require.NoError(t, got.err)
	require.True(t, got.resp.Succeeded())
	require.Equal(t, "CUSTOMER COPY", got.resp.PayDetailsExtended.CustomerReceipt)
	require.False(t, client.Busy())
}

func TestClientBusy(t *testing.T) {
	transport := newRecordingTransport()
	client := NewClient(slog.Default(), transport, ClientConfig{})

	pay := goCall(func() (models.Response, error) {
		return client.Pay(context.Background(), models.PayRequest{Amount: 100, TransactionReference: "REF1"})
	})
	paySent := transport.next(t)
	require.True(t, client.Busy())

	_, err := client.Test(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	_, err = client.Init(context.Background(), models.InitParameters{})
	require.ErrorIs(t, err, ErrBusy)

	_, err = client.Pay(context.Background(), models.PayRequest{Amount: 1, TransactionReference: "X"})
	require.ErrorIs(t, err, ErrBusy)

	_, err = client.ExecuteCommand(context.Background(), models.ExecuteCommandRequest{Command: "void"})
	require.ErrorIs(t, err, ErrBusy)

	// rejected calls never reach the wire
	require.Len(t, transport.Sent(), 1)

	// cancel is the out of band signal for the payment in flight
	cancel := goCall(func() (models.Response, error) {
		return client.Cancel(context.Background())
	})
	cancelSent := transport.next(t)
	require.Equal(t, MethodCancel, cancelSent.Method)

	// but a second cancel is rejected while the first waits
	_, err = client.Cancel(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	require.Len(t, transport.Sent(), 2)

	client.HandleMessage(reply(t, MethodCancel, cancelSent.ID, models.Response{Status: models.StatusOK}))
	require.NoError(t, wait(t, cancel).err)

	client.HandleMessage(reply(t, MethodPay, paySent.ID, models.Response{
		Status:      models.StatusCancelledByUser,
		Description: "Failed payment. Canceled by user.",
	}))
	got := wait(t, pay)
	require.NoError(t, got.err)
	require.Equal(t, models.StatusCancelledByUser, got.resp.Status)
	require.False(t, got.resp.Succeeded())

	require.False(t, client.Busy())
}

func TestClientTimeout(t *testing.T) {
	transport := newRecordingTransport()
	client := NewClient(slog.Default(), transport, ClientConfig{CallTimeout: 20 * time.Millisecond})

	_, err := client.Test(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, client.Busy())

	// the late reply belongs to the abandoned call and must not satisfy the next one
	late := transport.next(t)

	res := goCall(func() (models.Response, error) { return client.Test(context.Background()) })
	current := transport.next(t)
	require.NotEqual(t, late.ID, current.ID)

	client.HandleMessage(reply(t, MethodTest, late.ID, models.Response{Status: models.StatusFailed}))
	client.HandleMessage(reply(t, MethodTest, current.ID, models.Response{Status: models.StatusOK}))

	got := wait(t, res)
	require.NoError(t, got.err)
	require.Equal(t, models.StatusOK, got.resp.Status)
}

func TestClientContextCancel(t *testing.T) {
	transport := newRecordingTransport()
	client := NewClient(slog.Default(), transport, ClientConfig{CallTimeout: -1})

	ctx, cancel := context.WithCancel(context.Background())
	res := goCall(func() (models.Response, error) { return client.Test(ctx) })
	transport.next(t)

	cancel()
	require.ErrorIs(t, wait(t, res).err, context.Canceled)
	require.False(t, client.Busy())
}

func TestClientSendFailure(t *testing.T) {
	transport := newRecordingTransport()
	transport.err = errors.New("pipe broken")
	client := NewClient(slog.Default(), transport, ClientConfig{})

	_, err := client.Test(context.Background())
	require.Error(t, err)
	require.False(t, client.Busy())
}

func TestClientClose(t *testing.T) {
	transport := newRecordingTransport()
	client := NewClient(slog.Default(), transport, ClientConfig{})

	res := goCall(func() (models.Response, error) { return client.Test(context.Background()) })
	sent := transport.next(t)

	require.NoError(t, client.Close())
	require.ErrorIs(t, wait(t, res).err, ErrClosed)

	// replies after close are ignored
	client.HandleMessage(reply(t, MethodTest, sent.ID, models.Response{}))

	_, err := client.Test(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientProgress(t *testing.T) {
	transport := newRecordingTransport()

	var mu sync.Mutex
	var got []models.PayProgress
	client := NewClient(slog.Default(), transport, ClientConfig{}).OnProgress(func(p models.PayProgress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	client.HandleMessage(reply(t, MethodProgressMessage, "", models.Response{
		PayProgress: &models.PayProgress{MessageClass: models.ProgressInfo, Message: "submittal"},
	}))
	client.HandleMessage([]byte(`{"method":"bogus"}`))
	client.HandleMessage([]byte(`not json`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "submittal", got[0].Message)
}
