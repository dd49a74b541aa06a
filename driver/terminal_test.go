package driver

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alovak/smartpay-driver/bridge/models"
	"github.com/alovak/smartpay-driver/internal/ticket"
	"github.com/alovak/smartpay-driver/smartpay"
	spmodels "github.com/alovak/smartpay-driver/smartpay/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const (
	replySubmitSuccess = `<RLSOLVE_MSG version="5.0"><POI_MSG type="submittal"><SUBMIT name="submitPaymentResponse"><RESULT>success</RESULT></SUBMIT></POI_MSG></RLSOLVE_MSG>`
	replySubmitFailure = `<RLSOLVE_MSG version="5.0"><POI_MSG type="submittal"><SUBMIT name="submitPaymentResponse"><RESULT>failure</RESULT></SUBMIT></POI_MSG></RLSOLVE_MSG>`
	replyMerchant      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="merchant">MERCHANT COPY VISA AUTH CODE 123456</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyCustomer      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="customer">CUSTOMER COPY VISA DEBIT</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyDeclined      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="customer">CUSTOMER COPY DECLINED</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyTransResponse = `<RLSOLVE_MSG version="5.0"><POI_MSG type="transactional"><TRANS name="processTransactionResponse"><PAYMENT><PAYMENT_RESULT>on-line</PAYMENT_RESULT></PAYMENT></TRANS></POI_MSG></RLSOLVE_MSG>`
	replyFinalise      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="transactional"><TRANS name="finaliseResponse"><RESULT>success</RESULT></TRANS></POI_MSG></RLSOLVE_MSG>`
	replyVoid          = `<RLSOLVE_MSG version="5.0"><POI_MSG type="administrative"><ADMIN name="voidTransactionResponse"><RESULT>CANCELLED</RESULT></ADMIN></POI_MSG></RLSOLVE_MSG>`
	replyVoidRefused   = `<RLSOLVE_MSG version="5.0"><POI_MSG type="administrative"><ADMIN name="voidTransactionResponse"><RESULT>failure</RESULT></ADMIN></POI_MSG></RLSOLVE_MSG>`
)

// approvedScript answers every stage of a successful payment.
func approvedScript() map[smartpay.Operation]string {
	return map[smartpay.Operation]string{
		smartpay.OpSubmitPayment:              replySubmitSuccess,
		smartpay.OpProcessTransaction:         replyMerchant,
		smartpay.OpCustomerReceipt:            replyCustomer,
		smartpay.OpProcessTransactionResponse: replyTransResponse,
		smartpay.OpFinalise:                   replyFinalise,
		smartpay.OpVoid:                       replyVoid,
	}
}

// scriptedTerminal answers each operation with a fixed frame. Operations
// without a frame get an empty reply. hook, when set, runs before answering.
type scriptedTerminal struct {
	mu     sync.Mutex
	frames map[smartpay.Operation]string
	ops    []smartpay.Operation
	hook   func(op smartpay.Operation)
}

func newScriptedTerminal(frames map[smartpay.Operation]string) *scriptedTerminal {
	return &scriptedTerminal{frames: frames}
}

func (s *scriptedTerminal) Exchange(_ context.Context, op smartpay.Operation, _ smartpay.Envelope) smartpay.Reply {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	frame, ok := s.frames[op]
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if !ok {
		return smartpay.Reply{Kind: smartpay.ReplyEmpty}
	}
	return smartpay.Reply{Kind: smartpay.ReplyFrame, Frame: frame}
}

func (s *scriptedTerminal) Ops() []smartpay.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]smartpay.Operation(nil), s.ops...)
}

// tcpTerminal is a SmartPay Connect listening on a loopback port. Each
// connection carries one request and gets one reply picked by its content.
type tcpTerminal struct {
	l net.Listener

	mu       sync.Mutex
	receipts map[string]int
	requests []string
}

func startTCPTerminal(t *testing.T) *tcpTerminal {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	term := &tcpTerminal{l: l, receipts: map[string]int{}}
	go term.serve()
	t.Cleanup(func() { l.Close() })

	return term
}

func (term *tcpTerminal) Port() int {
	return term.l.Addr().(*net.TCPAddr).Port
}

func (term *tcpTerminal) serve() {
	for {
		conn, err := term.l.Accept()
		if err != nil {
			return
		}
		go term.handle(conn)
	}
}

func (term *tcpTerminal) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	req := string(buf[:n])

	term.mu.Lock()
	term.requests = append(term.requests, req)
	var reply string
	switch {
	case strings.Contains(req, `"submitPayment"`):
		reply = replySubmitSuccess
	case strings.Contains(req, `"processTransaction"`):
		reply = replyMerchant
	case strings.Contains(req, `"posPrintReceiptResponse"`):
		// the first acknowledgement gets the customer receipt, the second
		// the transaction response
		num := transNumOf(req)
		if term.receipts[num] == 0 {
			reply = replyCustomer
		} else {
			reply = replyTransResponse
		}
		term.receipts[num]++
	case strings.Contains(req, `"finalise"`):
		reply = replyFinalise
	case strings.Contains(req, `"voidTransaction"`):
		reply = replyVoid
	}
	term.mu.Unlock()

	if reply != "" {
		conn.Write([]byte(reply))
	}
}

func (term *tcpTerminal) Requests() []string {
	term.mu.Lock()
	defer term.mu.Unlock()
	return append([]string(nil), term.requests...)
}

func transNumOf(req string) string {
	start := strings.Index(req, "<TRANS_NUM>")
	end := strings.Index(req, "</TRANS_NUM>")
	if start < 0 || end < start {
		return ""
	}
	return req[start+len("<TRANS_NUM>") : end]
}

// recordingWriter is a bridge.ResponseWriter keeping what the service sent.
type recordingWriter struct {
	mu       sync.Mutex
	replies  []models.Response
	progress []models.PayProgress
	done     chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{done: make(chan struct{})}
}

func (w *recordingWriter) Reply(resp models.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replies = append(w.replies, resp)
	if len(w.replies) == 1 {
		close(w.done)
	}
	return nil
}

func (w *recordingWriter) Progress(p models.PayProgress) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress = append(w.progress, p)
	return nil
}

// Response waits for the first reply and checks there was exactly one.
func (w *recordingWriter) Response(t *testing.T) models.Response {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.replies, 1)
	return w.replies[0]
}

// Stages lists the progress messages in the order they were sent.
func (w *recordingWriter) Stages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, p := range w.progress {
		out = append(out, p.Message)
	}
	return out
}

type testEnv struct {
	service    *Service
	repo       *Repository
	terminal   *scriptedTerminal
	ticketPath string
	outPath    string
}

var testNow = time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC)

func newTestEnv(t *testing.T, frames map[smartpay.Operation]string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.TicketPath = filepath.Join(dir, "ticket")
	config.OutPath = filepath.Join(dir, "out")

	repo := NewRepository()
	terminal := newScriptedTerminal(frames)

	service := NewService(slog.Default(), config, repo, ticket.NewStore(config.OutPath, config.TicketPath))
	service.exchanger = func(spmodels.TerminalSettings) smartpay.Exchanger { return terminal }
	service.now = func() time.Time { return testNow }

	return &testEnv{
		service:    service,
		repo:       repo,
		terminal:   terminal,
		ticketPath: config.TicketPath,
		outPath:    config.OutPath,
	}
}

const initParams = `{"PaymentDuration":"30","IsPaymentCancelSuccessful":true,"IsPaymentExecuteCommandSuccessful":"true","Port":"8000","KioskNumber":1,"SourceId":"1111","Currency":826,"Country":826}`

func (e *testEnv) init(t *testing.T, params string) models.Response {
	t.Helper()
	w := newRecordingWriter()
	e.service.InitRequest(context.Background(), []byte(params), w)
	return w.Response(t)
}

func (e *testEnv) pay(t *testing.T, params string) (models.Response, *recordingWriter) {
	t.Helper()
	w := newRecordingWriter()
	e.service.PayRequest(context.Background(), []byte(params), w)
	return w.Response(t), w
}
