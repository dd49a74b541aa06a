package smartpay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/alovak/smartpay-driver/internal/transnum"
	"github.com/alovak/smartpay-driver/smartpay/models"
	"golang.org/x/exp/slog"
)

var (
	ErrInvalidAmount  = errors.New("amount must be greater than zero")
	ErrEmptyReference = errors.New("transaction reference can't be empty")
)

// declinedMarker in a receipt means the terminal declined the card.
const declinedMarker = "DECLINED"

// Stage is one step of the payment state machine.
type Stage int

const (
	StageSubmittal Stage = iota
	StageProcessTransaction
	StageCustomerReceipt
	StageProcessTransactionResponse
	StageFinalize
	StageDone
	StageVoid
)

func (s Stage) String() string {
	switch s {
	case StageSubmittal:
		return "submittal"
	case StageProcessTransaction:
		return "process_transaction"
	case StageCustomerReceipt:
		return "customer_receipt"
	case StageProcessTransactionResponse:
		return "process_transaction_response"
	case StageFinalize:
		return "finalize"
	case StageDone:
		return "done"
	case StageVoid:
		return "void"
	}
	return "unknown"
}

// Exchanger performs one envelope exchange with the terminal.
type Exchanger interface {
	Exchange(ctx context.Context, op Operation, env Envelope) Reply
}

// ProgressFunc is called before each stage starts.
type ProgressFunc func(stage Stage)

// Outcome is the aggregated result of a payment. Receipts are returned
// whatever the result.
type Outcome struct {
	Result    models.DiagnosticResult
	Receipts  models.TransactionReceipts
	Number    string
	Cancelled bool
}

// VoidOutcome reports whether the terminal confirmed the cancellation.
type VoidOutcome struct {
	Number string
	Voided bool
	Reply  string
}

// Session runs the SmartPay Connect payment sequence.
type Session struct {
	channel  Exchanger
	settings models.TerminalSettings
	logger   *slog.Logger
	progress ProgressFunc
	now      func() time.Time
}

func NewSession(logger *slog.Logger, settings models.TerminalSettings, channel Exchanger) *Session {
	return &Session{
		channel:  channel,
		settings: settings,
		logger:   logger.With(slog.String("component", "session")),
		now:      time.Now,
	}
}

// OnProgress registers fn to be told about each stage.
func (s *Session) OnProgress(fn ProgressFunc) *Session {
	s.progress = fn
	return s
}

// NewTransactionContext derives the context for one payment attempt.
func (s *Session) NewTransactionContext(amount int, reference string) models.TransactionContext {
	return models.TransactionContext{
		Amount:      amount,
		Reference:   reference,
		Number:      transnum.Number(s.settings.KioskNumber, reference, s.now()),
		Description: transnum.Description(s.settings.KioskNumber, reference),
		Currency:    s.settings.Currency,
		Country:     s.settings.Country,
		SourceID:    s.settings.SourceID,
		KioskNumber: s.settings.KioskNumber,
	}
}

// Pay runs submittal, process transaction, customer receipt, process
// transaction response and finalize, in that order. A failing stage marks the
// outcome NotOK but the following stages still run, and finalize always runs
// once the payment was submitted.
//
// ctx is checked between stages only. When it is done after submittal the
// remaining interactive stages are skipped and the transaction is finalized
// on a fresh context. An exchange in progress is never interrupted.
func (s *Session) Pay(ctx context.Context, amount int, reference string) (Outcome, error) {
	if amount <= 0 {
		return Outcome{}, ErrInvalidAmount
	}
	if reference == "" {
		return Outcome{}, ErrEmptyReference
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	tc := s.NewTransactionContext(amount, reference)
	out := Outcome{Result: models.OK, Number: tc.Number}

	logger := s.logger.With(slog.String("trans_num", tc.Number))
	logger.Info("starting payment",
		slog.Int("amount", tc.Amount),
		slog.String("reference", tc.Reference),
		slog.String("description", tc.Description),
	)

	s.notify(StageSubmittal)
	if !s.resultStage(ctx, logger, OpSubmitPayment, SubmitPayment(tc), ExtractResult) {
		out.Result.Fail()
	}

	interactive := []struct {
		stage Stage
		run   func() bool
	}{
		{StageProcessTransaction, func() bool {
			receipt, ok := s.receiptStage(ctx, logger, OpProcessTransaction, ProcessTransaction(tc.Number))
			out.Receipts.Merchant = receipt
			return ok
		}},
		{StageCustomerReceipt, func() bool {
			receipt, ok := s.receiptStage(ctx, logger, OpCustomerReceipt, PrintReceiptResponse(tc.Number))
			out.Receipts.Customer = receipt
			return ok
		}},
		{StageProcessTransactionResponse, func() bool {
			return s.resultStage(ctx, logger, OpProcessTransactionResponse, PrintReceiptResponse(tc.Number), ExtractPaymentResult)
		}},
	}

	for _, st := range interactive {
		if ctx.Err() != nil {
			logger.Info("payment cancelled, skipping to finalize", slog.String("at", st.stage.String()))
			out.Cancelled = true
			out.Result.Fail()
			break
		}
		s.notify(st.stage)
		if !st.run() {
			out.Result.Fail()
		}
	}

	finalizeCtx := ctx
	if out.Cancelled {
		finalizeCtx = context.Background()
	}
	s.notify(StageFinalize)
	if !s.resultStage(finalizeCtx, logger, OpFinalise, Finalise(tc.Number), ExtractResult) {
		out.Result.Fail()
	}

	s.notify(StageDone)
	logger.Info("payment finished", slog.String("result", out.Result.String()), slog.Bool("cancelled", out.Cancelled))

	return out, nil
}

// Void cancels an already submitted transaction identified by reference.
func (s *Session) Void(ctx context.Context, reference string) (VoidOutcome, error) {
	if reference == "" {
		return VoidOutcome{}, ErrEmptyReference
	}
	if err := ctx.Err(); err != nil {
		return VoidOutcome{}, err
	}

	number := transnum.Number(s.settings.KioskNumber, reference, s.now())
	logger := s.logger.With(slog.String("trans_num", number), slog.String("reference", reference))

	s.notify(StageVoid)
	reply := s.channel.Exchange(ctx, OpVoid, VoidTransaction(number, s.settings.SourceID, reference))
	out := VoidOutcome{Number: number, Reply: reply.Text()}
	out.Voided = reply.Kind == ReplyFrame

	if out.Voided {
		logger.Info("transaction voided")
	} else {
		logger.Error("void not confirmed", slog.String("kind", reply.Kind.String()), "err", reply.Err)
	}

	return out, nil
}

func (s *Session) notify(stage Stage) {
	if s.progress != nil {
		s.progress(stage)
	}
}

// resultStage sends env and reports whether extract classifies the reply as a success.
func (s *Session) resultStage(ctx context.Context, logger *slog.Logger, op Operation, env Envelope, extract func(string) (string, error)) bool {
	reply := s.channel.Exchange(ctx, op, env)
	text := reply.Text()
	if text == "" {
		logger.Error("empty reply", slog.String("op", string(op)), slog.String("kind", reply.Kind.String()))
		return false
	}

	result, err := extract(text)
	if err != nil {
		logger.Error("reading reply", slog.String("op", string(op)), "err", err)
		return false
	}
	if result != ResultSuccess {
		logger.Error("terminal reported failure", slog.String("op", string(op)), slog.String("result", result))
		return false
	}

	logger.Info("stage succeeded", slog.String("op", string(op)))
	return true
}

// receiptStage sends env and extracts the receipt text. An empty receipt or
// one containing DECLINED is a failure; the receipt is still returned.
func (s *Session) receiptStage(ctx context.Context, logger *slog.Logger, op Operation, env Envelope) (string, bool) {
	reply := s.channel.Exchange(ctx, op, env)
	text := reply.Text()
	if text == "" {
		logger.Error("empty reply", slog.String("op", string(op)), slog.String("kind", reply.Kind.String()))
		return "", false
	}

	receipt, err := ExtractReceipt(text)
	if err != nil {
		logger.Error("reading receipt", slog.String("op", string(op)), "err", err)
		return "", false
	}
	if receipt == "" {
		logger.Error("receipt is empty", slog.String("op", string(op)))
		return "", false
	}
	if strings.Contains(receipt, declinedMarker) {
		logger.Error("receipt declined the transaction", slog.String("op", string(op)))
		return receipt, false
	}

	logger.Info("receipt received", slog.String("op", string(op)))
	return receipt, true
}
