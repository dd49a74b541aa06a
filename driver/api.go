package driver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alovak/smartpay-driver/bridge"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

// API is the HTTP surface of the driver: the bridge endpoint, health checks
// and the transaction journal.
type API struct {
	ctx     context.Context
	service *Service
	repo    *Repository
	logger  *slog.Logger
}

// NewAPI builds the API. Bridge sessions end when ctx is done.
func NewAPI(ctx context.Context, logger *slog.Logger, service *Service, repo *Repository) *API {
	return &API{
		ctx:     ctx,
		service: service,
		repo:    repo,
		logger:  logger,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Get("/pipe", a.pipe)

	r.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/-/ready", a.ready)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", a.listTransactions)
		r.Get("/{number}", a.getTransaction)
	})
}

// pipe upgrades to a websocket and serves bridge requests on it until the
// caller disconnects.
func (a *API) pipe(w http.ResponseWriter, r *http.Request) {
	conn, err := bridge.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("upgrading bridge connection", "err", err)
		return
	}

	transport := bridge.NewWebsocketTransport(a.logger, conn)
	defer transport.Close()

	a.logger.Info("bridge connected", slog.String("remote", r.RemoteAddr))
	if err := bridge.NewDispatcher(a.logger, transport, a.service).Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("bridge session", "err", err)
	}
	a.logger.Info("bridge disconnected", slog.String("remote", r.RemoteAddr))
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.repo.Ping(ctx); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	transactions, err := a.repo.ListTransactions(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transactions)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	transaction, err := a.repo.GetTransaction(r.Context(), number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transaction)
}
