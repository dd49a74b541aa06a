package models

// TransactionContext holds everything the terminal needs for one payment
// attempt. It is built once per Pay call and not modified afterwards.
type TransactionContext struct {
	Amount      int
	Reference   string
	Number      string
	Description string
	Currency    int
	Country     int
	SourceID    string
	KioskNumber int
}

// TransactionReceipts are filled as the receipt stages complete.
type TransactionReceipts struct {
	Merchant string
	Customer string
}

// DiagnosticResult is the aggregated outcome of a payment. Once NotOK it stays NotOK.
type DiagnosticResult int

const (
	NotOK DiagnosticResult = iota
	OK
)

func (r DiagnosticResult) String() string {
	if r == OK {
		return "OK"
	}
	return "NOT_OK"
}

// Fail flips the result to NotOK.
func (r *DiagnosticResult) Fail() {
	*r = NotOK
}
