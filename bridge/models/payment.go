package models

// PayRequest asks the driver to take a card payment.
type PayRequest struct {
	// Amount in minor units.
	Amount               int    `json:"Amount"`
	TransactionReference string `json:"TransactionReference"`
}

type PayDetails struct {
	PaidAmount              int    `json:"PaidAmount"`
	TenderMediaID           string `json:"TenderMediaId,omitempty"`
	TenderMediaDetails      string `json:"TenderMediaDetails,omitempty"`
	HasClientReceipt        bool   `json:"HasClientReceipt"`
	HasMerchantReceipt      bool   `json:"HasMerchantReceipt"`
	TerminalID              string `json:"TerminalID,omitempty"`
	PaymentMethod           string `json:"PaymentMethod,omitempty"`
	CardNumber              string `json:"CardNumber,omitempty"`
	AuthorizationCode       string `json:"AuthorizationCode,omitempty"`
	TransactionReference    string `json:"TransactionReference,omitempty"`
	TransactionDate         string `json:"TransactionDate,omitempty"`
	TransactionTime         string `json:"TransactionTime,omitempty"`
	CardholderName          string `json:"CardholderName,omitempty"`
	TraceNumber             string `json:"TraceNumber,omitempty"`
	TaxIdentificationNumber string `json:"TaxIdentificationNumber,omitempty"`
	AdditionalDetails       string `json:"AdditionalDetails,omitempty"`
}

// PayDetailsExtended adds the terminal transaction number and the receipt
// texts to PayDetails.
type PayDetailsExtended struct {
	PayDetails
	TransactionNumber string `json:"TransactionNumber,omitempty"`
	MerchantReceipt   string `json:"MerchantReceipt,omitempty"`
	CustomerReceipt   string `json:"CustomerReceipt,omitempty"`
}

// PayProgress is pushed to the caller while a payment runs.
type PayProgress struct {
	MessageClass      string `json:"MessageClass"`
	Message           string `json:"Message"`
	CurrentPaidAmount int    `json:"CurrentPaidAmount"`
}

const (
	ProgressInfo  = "info"
	ProgressError = "error"
)
