package smartpay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alovak/smartpay-driver/smartpay/models"
	"golang.org/x/exp/slog"
)

// Canned SmartPay Connect replies.
const (
	replySubmitSuccess = `<RLSOLVE_MSG version="5.0"><MESSAGE><TRANS_NUM>1</TRANS_NUM></MESSAGE><POI_MSG type="submittal"><SUBMIT name="submitPaymentResponse"><RESULT>success</RESULT></SUBMIT></POI_MSG></RLSOLVE_MSG>`
	replySubmitFailure = `<RLSOLVE_MSG version="5.0"><MESSAGE><TRANS_NUM>1</TRANS_NUM></MESSAGE><POI_MSG type="submittal"><SUBMIT name="submitPaymentResponse"><RESULT>failure</RESULT></SUBMIT></POI_MSG></RLSOLVE_MSG>`
	replyDisplay       = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posDisplayMessage"><TEXT>INSERT CARD</TEXT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyMerchant      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="merchant">MERCHANT COPY VISA AUTH CODE 123456</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyCustomer      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="customer">CUSTOMER COPY VISA DEBIT</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyDeclined      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="interaction"><INTERACTION name="posPrintReceipt"><RECEIPT type="customer">CUSTOMER COPY DECLINED</RECEIPT></INTERACTION></POI_MSG></RLSOLVE_MSG>`
	replyTransResponse = `<RLSOLVE_MSG version="5.0"><POI_MSG type="transactional"><TRANS name="processTransactionResponse"><PAYMENT><PAYMENT_RESULT>on-line</PAYMENT_RESULT></PAYMENT></TRANS></POI_MSG></RLSOLVE_MSG>`
	replyFinalise      = `<RLSOLVE_MSG version="5.0"><POI_MSG type="transactional"><TRANS name="finaliseResponse"><RESULT>success</RESULT></TRANS></POI_MSG></RLSOLVE_MSG>`
	replyVoid          = `<RLSOLVE_MSG version="5.0"><POI_MSG type="administrative"><ADMIN name="voidTransactionResponse"><RESULT>CANCELLED</RESULT></ADMIN></POI_MSG></RLSOLVE_MSG>`
)

// pipeTerminal is an in-memory SmartPay Connect. Each dial gets the next
// script; every entry of a script is written as its own chunk.
type pipeTerminal struct {
	mu       sync.Mutex
	scripts  [][]string
	requests []string
}

func newPipeTerminal(scripts ...[]string) *pipeTerminal {
	return &pipeTerminal{scripts: scripts}
}

func (p *pipeTerminal) dial(_ context.Context, _, _ string) (net.Conn, error) {
	client, server := net.Pipe()

	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, "")
	p.mu.Unlock()

	go p.serve(server, idx)

	return client, nil
}

func (p *pipeTerminal) serve(conn net.Conn, idx int) {
	defer conn.Close()

	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.requests[idx] = string(buf[:n])
	var chunks []string
	if idx < len(p.scripts) {
		chunks = p.scripts[idx]
	}
	p.mu.Unlock()

	for _, chunk := range chunks {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			return
		}
	}
}

func (p *pipeTerminal) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *pipeTerminal) channel() *Channel {
	return NewChannel(testLogger(), ChannelConfig{Host: "127.0.0.1", Port: 8000}).WithDialer(p.dial)
}

func testLogger() *slog.Logger {
	return slog.Default()
}

// recordingExchanger replays replies in order and records every call.
type recordingExchanger struct {
	mu      sync.Mutex
	replies []Reply
	ops     []Operation
	envs    []Envelope
	onCall  func(n int)
}

func (r *recordingExchanger) Exchange(_ context.Context, op Operation, env Envelope) Reply {
	r.mu.Lock()
	n := len(r.ops)
	r.ops = append(r.ops, op)
	r.envs = append(r.envs, env)
	var reply Reply
	if n < len(r.replies) {
		reply = r.replies[n]
	} else {
		reply = Reply{Kind: ReplyEmpty}
	}
	onCall := r.onCall
	r.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	return reply
}

func (r *recordingExchanger) Ops() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Operation(nil), r.ops...)
}

func (r *recordingExchanger) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func frame(s string) Reply {
	return Reply{Kind: ReplyFrame, Frame: s}
}

func testSettings() models.TerminalSettings {
	return models.TerminalSettings{
		Host:        "127.0.0.1",
		Port:        8000,
		Currency:    826,
		Country:     826,
		SourceID:    "1111",
		KioskNumber: 1,
	}
}

func fixedClock(t *testing.T) func() time.Time {
	t.Helper()
	at := time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC)
	return func() time.Time { return at }
}
