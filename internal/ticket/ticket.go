package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind names the copy a ticket was printed for.
type Kind string

const (
	Customer      Kind = "CUSTOMER"
	Merchant      Kind = "MERCHANT"
	CustomerError Kind = "CUSTOMER_ERROR"
)

// tender names searched in the customer receipt; a later match overrides an
// earlier one, so the more specific names come after the generic ones.
var tenders = []string{
	"VISA", "MASTERCARD", "ELECTRON", "MAESTRO", "MASTERCARD CREDIT", "AMEX", "UNION PAY",
	"VISA CONTACTLESS", "CONTACTLESS VISA", "VISA DEBIT", "VISA CREDIT", "VISA ELECTRON",
	"VISA PURCHASING", "MASTERCARD CONTACTLESS", "CONTACTLESS MASTERCARD", "DINERS",
	"INTERNATIONAL MAESTRO", "MAESTRO INTERNATIONAL", "EXPRESSPAY", "AMERICAN EXPRESS",
	"DISCOVER", "UNION PAY CREDIT", "JCB CREDIT", "GIVEX",
}

// TenderID returns the card scheme printed on the receipt, or "".
func TenderID(receipt string) string {
	var card string
	for _, t := range tenders {
		if strings.Contains(receipt, t) {
			card = t
		}
	}
	return card
}

// ErrorText is printed for the customer when a payment failed and the
// terminal produced no receipt.
func ErrorText(amount int, transNum string, at time.Time) string {
	var b strings.Builder
	b.WriteString("\nPayment failure with\nyour card or issuer")
	b.WriteString("\nNO payment has been taken.")
	b.WriteString("\n\nPlease try again with another card,\nor at a manned till.\n\n")
	fmt.Fprintf(&b, "TOTAL: %d\n", amount)
	fmt.Fprintf(&b, "Trans No: %s\n", transNum)
	fmt.Fprintf(&b, "Date: %s\n\n", at.Format("02/01/06 15:04:05"))
	b.WriteString("Please retain for your records\n\n")
	b.WriteString("CUSTOMER COPY")
	return b.String()
}

// Store writes tickets to disk: the latest one to a fixed file the kiosk
// prints from, and every one to a timestamped copy under the output directory.
type Store struct {
	outDir string
	latest string

	mu  sync.Mutex
	now func() time.Time
}

func NewStore(outDir, latestPath string) *Store {
	return &Store{
		outDir: outDir,
		latest: latestPath,
		now:    time.Now,
	}
}

// Save replaces the latest ticket and keeps a copy. It returns the path of
// the copy.
func (s *Store) Save(kind Kind, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != "" && kind != Merchant {
		if err := os.MkdirAll(filepath.Dir(s.latest), 0o755); err != nil {
			return "", fmt.Errorf("creating ticket directory: %w", err)
		}
		if err := os.WriteFile(s.latest, []byte(text), 0o644); err != nil {
			return "", fmt.Errorf("writing ticket: %w", err)
		}
	}

	return s.persist(kind, text)
}

func (s *Store) persist(kind Kind, text string) (string, error) {
	if s.outDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_ticket.txt", s.now().Format("20060102150405"), kind)
	path := filepath.Join(s.outDir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("persisting %s ticket: %w", kind, err)
	}
	return path, nil
}
