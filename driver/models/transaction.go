package models

import "time"

// TransactionRecord is one journal row: the outcome of a payment attempt as
// it was reported to the caller.
type TransactionRecord struct {
	ID              string    `json:"id"`
	Number          string    `json:"number"`
	Reference       string    `json:"reference"`
	Amount          int       `json:"amount"`
	Currency        int       `json:"currency"`
	Result          string    `json:"result"`
	Status          int       `json:"status"`
	Cancelled       bool      `json:"cancelled"`
	TenderMedia     string    `json:"tender_media,omitempty"`
	MerchantReceipt string    `json:"merchant_receipt,omitempty"`
	CustomerReceipt string    `json:"customer_receipt,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
