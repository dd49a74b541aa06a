package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/alovak/smartpay-driver/bridge"
	"github.com/alovak/smartpay-driver/bridge/models"
	dmodels "github.com/alovak/smartpay-driver/driver/models"
	"github.com/alovak/smartpay-driver/internal/ticket"
	"github.com/alovak/smartpay-driver/internal/transnum"
	"github.com/alovak/smartpay-driver/smartpay"
	spmodels "github.com/alovak/smartpay-driver/smartpay/models"
	"golang.org/x/exp/slog"
)

// CommandVoid is the ExecuteCommand that voids the transaction whose
// reference is given in CommandInfo.
const CommandVoid = "void"

const busyDescription = "Another method is executing."

// Service answers the bridge requests of one kiosk. Init, Test, Pay and
// ExecuteCommand exclude each other; Cancel is always accepted.
type Service struct {
	logger  *slog.Logger
	config  *Config
	repo    *Repository
	tickets *ticket.Store

	// exchanger builds the terminal channel for a set of settings
	exchanger func(spmodels.TerminalSettings) smartpay.Exchanger
	now       func() time.Time

	mu              sync.Mutex
	busy            bool
	params          *models.InitParameters
	settings        spmodels.TerminalSettings
	cancelPay       context.CancelFunc
	cancelRequested bool
}

var _ bridge.Callbacks = (*Service)(nil)

func NewService(logger *slog.Logger, config *Config, repo *Repository, tickets *ticket.Store) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Service{
		logger:  logger.With(slog.String("component", "pay_service")),
		config:  config,
		repo:    repo,
		tickets: tickets,
		now:     time.Now,
	}
	s.exchanger = func(settings spmodels.TerminalSettings) smartpay.Exchanger {
		return smartpay.NewChannel(s.logger, smartpay.ChannelConfig{
			Host:        settings.Host,
			Port:        settings.Port,
			DialTimeout: s.config.DialTimeout,
			ReadTimeout: s.config.ReadTimeout,
		})
	}

	return s
}

func (s *Service) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// initialized returns the settings stored by the last successful init.
func (s *Service) initialized() (models.InitParameters, spmodels.TerminalSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return models.InitParameters{}, spmodels.TerminalSettings{}, false
	}
	return *s.params, s.settings, true
}

func (s *Service) InitRequest(_ context.Context, params json.RawMessage, w bridge.ResponseWriter) {
	logger := s.logger.With(slog.String("method", "init"))

	if !s.acquire() {
		logger.Warn("another method is executing")
		w.Reply(models.Response{Status: models.StatusFailed, Description: busyDescription})
		return
	}
	defer s.release()

	var p models.InitParameters
	if err := json.Unmarshal(params, &p); err != nil {
		logger.Error("decoding init parameters", "err", err)
		w.Reply(models.Response{Status: models.StatusFailed, Description: "Failed to deserialize the init parameters."})
		return
	}

	s.applyDefaults(&p)
	if err := p.Validate(); err != nil {
		logger.Error("invalid init parameters", "err", err)
		w.Reply(models.Response{Status: models.StatusFailed, Description: err.Error()})
		return
	}

	settings := spmodels.TerminalSettings{
		Host:        s.config.Host,
		Port:        int(p.Port),
		Currency:    int(p.Currency),
		Country:     int(p.Country),
		SourceID:    p.SourceID,
		KioskNumber: int(p.KioskNumber),
	}

	s.mu.Lock()
	s.params = &p
	s.settings = settings
	s.mu.Unlock()

	logger.Info("initialized",
		slog.Int("port", settings.Port),
		slog.Int("kiosk", settings.KioskNumber),
		slog.Int("currency", settings.Currency),
		slog.Int("payment_duration", int(p.PaymentDuration)),
	)
	w.Reply(models.Response{Status: models.StatusOK})
}

// applyDefaults fills terminal values the host left out from the config.
func (s *Service) applyDefaults(p *models.InitParameters) {
	if p.Port == 0 {
		p.Port = models.FlexInt(s.config.Port)
	}
	if p.Currency == 0 {
		p.Currency = models.FlexInt(s.config.Currency)
	}
	if p.Country == 0 {
		p.Country = models.FlexInt(s.config.Country)
	}
	if p.KioskNumber == 0 {
		p.KioskNumber = models.FlexInt(s.config.KioskNumber)
	}
	if strings.TrimSpace(p.SourceID) == "" {
		p.SourceID = s.config.SourceID
	}
}

func (s *Service) TestRequest(_ context.Context, _ json.RawMessage, w bridge.ResponseWriter) {
	if !s.acquire() {
		w.Reply(models.Response{Status: models.StatusFailed, Description: busyDescription})
		return
	}
	defer s.release()

	if _, _, ok := s.initialized(); !ok {
		s.logger.Warn("test before init")
		w.Reply(models.Response{Status: models.StatusFailed, Description: "driver not initialized"})
		return
	}
	w.Reply(models.Response{Status: models.StatusOK})
}

func (s *Service) PayRequest(ctx context.Context, params json.RawMessage, w bridge.ResponseWriter) {
	logger := s.logger.With(slog.String("method", "pay"))

	if !s.acquire() {
		logger.Warn("another method is executing")
		w.Reply(models.Response{Status: models.StatusBusy, Description: busyDescription})
		return
	}
	defer s.release()

	p, settings, ok := s.initialized()
	if !ok {
		w.Reply(models.Response{Status: models.StatusNotInitialized, Description: "driver not initialized"})
		return
	}

	var req models.PayRequest
	if err := json.Unmarshal(params, &req); err != nil {
		logger.Error("decoding pay request", "err", err)
		w.Reply(models.Response{Status: models.StatusBadParams, Description: "Failed to deserialize the pay request parameters."})
		return
	}
	if req.Amount <= 0 {
		w.Reply(models.Response{Status: models.StatusInvalidAmount, Description: "amount can't be zero.", PayDetails: &models.PayDetails{}})
		return
	}
	if req.TransactionReference == "" {
		w.Reply(models.Response{Status: models.StatusEmptyReference, Description: "transaction reference can't be empty.", PayDetails: &models.PayDetails{}})
		return
	}

	payCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelPay = cancel
	s.cancelRequested = false
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelPay = nil
		s.cancelRequested = false
		s.mu.Unlock()
	}()

	session := smartpay.NewSession(s.logger, settings, s.exchanger(settings)).OnProgress(func(stage smartpay.Stage) {
		if err := w.Progress(models.PayProgress{MessageClass: models.ProgressInfo, Message: stage.String()}); err != nil {
			logger.Warn("sending progress", "err", err)
		}
	})

	logger.Info("payment started", slog.Int("amount", req.Amount), slog.String("reference", req.TransactionReference))
	out, err := session.Pay(payCtx, req.Amount, req.TransactionReference)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("payment", "err", err)
	}

	s.mu.Lock()
	cancelled := s.cancelRequested
	s.mu.Unlock()

	resp := s.payResponse(logger, req, out, err == nil)
	if cancelled && bool(p.IsPaymentCancelSuccessful) {
		logger.Info("payment was cancelled")
		resp.Status = models.StatusCancelledByUser
		resp.Description = "Failed payment. Canceled by user."
	}

	s.journal(logger, req, settings, out, resp)

	w.Reply(resp)
}

// payResponse builds the pay reply from the session outcome and prints the
// tickets that go with it.
func (s *Service) payResponse(logger *slog.Logger, req models.PayRequest, out smartpay.Outcome, started bool) models.Response {
	details := &models.PayDetailsExtended{
		PayDetails: models.PayDetails{
			PaidAmount:           req.Amount,
			TransactionReference: req.TransactionReference,
			HasClientReceipt:     true,
			HasMerchantReceipt:   out.Receipts.Merchant != "",
		},
		TransactionNumber: out.Number,
		MerchantReceipt:   out.Receipts.Merchant,
		CustomerReceipt:   out.Receipts.Customer,
	}
	details.TransactionDate, details.TransactionTime = transnum.DateTime(out.Number)

	if !started || out.Result != spmodels.OK {
		if out.Receipts.Customer == "" {
			text := ticket.ErrorText(req.Amount, out.Number, s.now())
			details.CustomerReceipt = text
			details.HasMerchantReceipt = true
			s.saveTicket(logger, ticket.CustomerError, text)
		} else {
			s.saveTicket(logger, ticket.Customer, out.Receipts.Customer)
		}
		logger.Info("payment failed")
		return models.Response{Status: models.StatusPaymentFailed, Description: "Failed payment", PayDetailsExtended: details}
	}

	s.saveTicket(logger, ticket.Merchant, out.Receipts.Merchant)

	details.TenderMediaID = ticket.TenderID(out.Receipts.Customer)
	details.TenderMediaDetails = details.TenderMediaID
	s.saveTicket(logger, ticket.Customer, out.Receipts.Customer)

	logger.Info("payment succeeded", slog.String("tender", details.TenderMediaID))
	return models.Response{Status: models.StatusOK, Description: "Successful payment", PayDetailsExtended: details}
}

func (s *Service) saveTicket(logger *slog.Logger, kind ticket.Kind, text string) {
	if s.tickets == nil || text == "" {
		return
	}
	if _, err := s.tickets.Save(kind, text); err != nil {
		logger.Error("saving ticket", slog.String("kind", string(kind)), "err", err)
	}
}

// journal records the attempt. Failures are logged and never change the reply.
func (s *Service) journal(logger *slog.Logger, req models.PayRequest, settings spmodels.TerminalSettings, out smartpay.Outcome, resp models.Response) {
	if s.repo == nil || out.Number == "" {
		return
	}

	record := &dmodels.TransactionRecord{
		Number:          out.Number,
		Reference:       req.TransactionReference,
		Amount:          req.Amount,
		Currency:        settings.Currency,
		Result:          out.Result.String(),
		Status:          resp.Status,
		Cancelled:       out.Cancelled || resp.Status == models.StatusCancelledByUser,
		MerchantReceipt: out.Receipts.Merchant,
		CustomerReceipt: out.Receipts.Customer,
		CreatedAt:       s.now().UTC(),
	}
	if resp.PayDetailsExtended != nil {
		record.TenderMedia = resp.PayDetailsExtended.TenderMediaID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.CreateTransaction(ctx, record); err != nil {
		logger.Error("writing journal", slog.String("trans_num", out.Number), "err", err)
	}
}

// CancelRequest is never rejected as busy. When cancellation is enabled it
// stops the payment in flight at the next stage boundary.
func (s *Service) CancelRequest(_ context.Context, _ json.RawMessage, w bridge.ResponseWriter) {
	s.mu.Lock()
	enabled := s.params != nil && bool(s.params.IsPaymentCancelSuccessful)
	cancel := s.cancelPay
	if cancel != nil {
		s.cancelRequested = true
	}
	s.mu.Unlock()

	s.logger.Info("cancel requested", slog.Bool("payment_in_flight", cancel != nil), slog.Bool("enabled", enabled))

	if !enabled {
		w.Reply(models.Response{Status: models.StatusFailed})
		return
	}
	if cancel != nil {
		cancel()
	}
	w.Reply(models.Response{Status: models.StatusOK})
}

func (s *Service) ExecuteCommandRequest(ctx context.Context, params json.RawMessage, w bridge.ResponseWriter) {
	logger := s.logger.With(slog.String("method", "executecommand"))

	if !s.acquire() {
		w.Reply(models.Response{Status: models.StatusBusy, Description: "Another method is executing", ExecuteCommandResponse: "Command not executed. Reason: busy"})
		return
	}
	defer s.release()

	var req models.ExecuteCommandRequest
	if err := json.Unmarshal(params, &req); err != nil {
		logger.Error("decoding command", "err", err)
		w.Reply(models.Response{Status: models.StatusBadParams, Description: "failed to deserialize the execute command request parameters", ExecuteCommandResponse: "Command not executed. Reason: params"})
		return
	}

	logger = logger.With(slog.String("command", req.Command))
	logger.Info("executing command", slog.String("info", req.CommandInfo))

	if strings.EqualFold(strings.TrimSpace(req.Command), CommandVoid) {
		w.Reply(s.void(ctx, logger, req.CommandInfo))
		return
	}

	p, _, _ := s.initialized()
	if !bool(p.IsPaymentExecuteCommandSuccessful) {
		logger.Info("command refused by configuration")
		w.Reply(models.Response{Status: models.StatusCommandRefused, Description: "ExecuteCommand failed", ExecuteCommandResponse: "Command not executed. Reason: willingly"})
		return
	}

	w.Reply(models.Response{Status: models.StatusOK, Description: "ExecuteCommand succeeded", ExecuteCommandResponse: "Command executed"})
}

func (s *Service) void(ctx context.Context, logger *slog.Logger, reference string) models.Response {
	_, settings, ok := s.initialized()
	if !ok {
		return models.Response{Status: models.StatusNotInitialized, Description: "driver not initialized", ExecuteCommandResponse: "Command not executed. Reason: not initialized"}
	}

	out, err := smartpay.NewSession(s.logger, settings, s.exchanger(settings)).Void(ctx, strings.TrimSpace(reference))
	if err != nil {
		logger.Error("void", "err", err)
		return models.Response{Status: models.StatusBadParams, Description: err.Error(), ExecuteCommandResponse: "Command not executed. Reason: params"}
	}
	if !out.Voided {
		return models.Response{Status: models.StatusVoidNotConfirmed, Description: "void not confirmed by terminal", ExecuteCommandResponse: "Command not executed. Reason: terminal"}
	}

	logger.Info("transaction voided", slog.String("trans_num", out.Number))
	return models.Response{Status: models.StatusOK, Description: "ExecuteCommand succeeded", ExecuteCommandResponse: "Command executed"}
}
