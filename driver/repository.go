package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alovak/smartpay-driver/driver/models"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

var (
	ErrNotFound = fmt.Errorf("not found")
	ErrConflict = fmt.Errorf("conflict")
)

// DefaultListLimit caps ListTransactions when the caller does not.
const DefaultListLimit = 50

// Repository is the transaction journal. It keeps records in memory unless
// it was built on a database.
type Repository struct {
	mu           sync.RWMutex
	transactions []*models.TransactionRecord
	numberIndex  map[string]*models.TransactionRecord

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		transactions: make([]*models.TransactionRecord, 0),
		numberIndex:  make(map[string]*models.TransactionRecord),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE SCHEMA IF NOT EXISTS smartpay;
CREATE TABLE IF NOT EXISTS smartpay.transactions (
	id               uuid PRIMARY KEY,
	trans_num        text NOT NULL UNIQUE,
	reference        text NOT NULL,
	amount           integer NOT NULL,
	currency         integer NOT NULL,
	result           text NOT NULL,
	status           integer NOT NULL,
	cancelled        boolean NOT NULL DEFAULT false,
	tender_media     text NOT NULL DEFAULT '',
	merchant_receipt text NOT NULL DEFAULT '',
	customer_receipt text NOT NULL DEFAULT '',
	created_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_created_at_idx ON smartpay.transactions (created_at DESC);
`

// Migrate creates the journal schema. It is a no-op for the memory backend.
func (r *Repository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating journal schema: %w", err)
	}
	return nil
}

// CreateTransaction stores record, assigning its ID and creation time when
// unset. Transaction numbers are unique.
func (r *Repository) CreateTransaction(ctx context.Context, record *models.TransactionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.numberIndex[record.Number]; ok {
			return fmt.Errorf("transaction %s exists: %w", record.Number, ErrConflict)
		}
		cp := *record
		r.transactions = append(r.transactions, &cp)
		r.numberIndex[record.Number] = &cp
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO smartpay.transactions(id, trans_num, reference, amount, currency, result, status,
			cancelled, tender_media, merchant_receipt, customer_receipt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, record.ID, record.Number, record.Reference, record.Amount, record.Currency, record.Result, record.Status,
		record.Cancelled, record.TenderMedia, record.MerchantReceipt, record.CustomerReceipt, record.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s exists: %w", record.Number, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction finds a record by transaction number.
func (r *Repository) GetTransaction(ctx context.Context, number string) (*models.TransactionRecord, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		record, ok := r.numberIndex[number]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *record
		return &cp, nil
	}

	row := r.db.QueryRowContext(ctx, selectTransactions+` WHERE trans_num=$1`, number)
	record, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	return record, nil
}

// ListTransactions returns the most recent records first.
func (r *Repository) ListTransactions(ctx context.Context, limit int) ([]*models.TransactionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.TransactionRecord, 0, len(r.transactions))
		for _, t := range r.transactions {
			cp := *t
			out = append(out, &cp)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, selectTransactions+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*models.TransactionRecord, 0)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("reading transaction: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

const selectTransactions = `SELECT id, trans_num, reference, amount, currency, result, status, cancelled,
	tender_media, merchant_receipt, customer_receipt, created_at FROM smartpay.transactions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*models.TransactionRecord, error) {
	var t models.TransactionRecord
	err := s.Scan(&t.ID, &t.Number, &t.Reference, &t.Amount, &t.Currency, &t.Result, &t.Status, &t.Cancelled,
		&t.TenderMedia, &t.MerchantReceipt, &t.CustomerReceipt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
