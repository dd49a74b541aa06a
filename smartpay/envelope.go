package smartpay

import (
	"encoding/xml"
	"fmt"

	"github.com/alovak/smartpay-driver/smartpay/models"
)

// ProtocolVersion is the RLSOLVE_MSG version understood by SmartPay Connect.
const ProtocolVersion = "5.0"

// POI message types.
const (
	POISubmittal      = "submittal"
	POITransactional  = "transactional"
	POIInteraction    = "interaction"
	POIAdministrative = "administrative"
)

// Envelope is the RLSOLVE_MSG document exchanged with the terminal.
type Envelope struct {
	XMLName xml.Name   `xml:"RLSOLVE_MSG"`
	Version string     `xml:"version,attr"`
	Message Message    `xml:"MESSAGE"`
	POI     POIMessage `xml:"POI_MSG"`
}

type Message struct {
	TransNum string `xml:"TRANS_NUM"`
	SourceID string `xml:"SOURCE_ID,omitempty"`
}

// POIMessage wraps exactly one operation element.
type POIMessage struct {
	Type        string       `xml:"type,attr"`
	Submit      *Submit      `xml:"SUBMIT,omitempty"`
	Trans       *Trans       `xml:"TRANS,omitempty"`
	Interaction *Interaction `xml:"INTERACTION,omitempty"`
	Admin       *Admin       `xml:"ADMIN,omitempty"`
}

type Submit struct {
	Name        string            `xml:"name,attr"`
	Transaction SubmitTransaction `xml:"TRANSACTION"`
}

type SubmitTransaction struct {
	Action      string `xml:"action,attr"`
	Customer    string `xml:"customer,attr"`
	Source      string `xml:"source,attr"`
	Type        string `xml:"type,attr"`
	Amount      Amount `xml:"AMOUNT"`
	Description string `xml:"DESCRIPTION"`
}

type Amount struct {
	Currency int `xml:"currency,attr"`
	Country  int `xml:"country,attr"`
	Total    int `xml:"TOTAL"`
}

type Trans struct {
	Name string `xml:"name,attr"`
}

type Interaction struct {
	Name     string `xml:"name,attr"`
	Response string `xml:"RESPONSE"`
}

type Admin struct {
	Name        string           `xml:"name,attr"`
	Transaction AdminTransaction `xml:"TRANSACTION"`
}

type AdminTransaction struct {
	Reference string `xml:"reference,attr"`
}

// Marshal renders the envelope without an XML declaration, the way the
// terminal expects it.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", e.POI.Type, err)
	}
	return b, nil
}

func newEnvelope(transNum, sourceID, poiType string) Envelope {
	return Envelope{
		Version: ProtocolVersion,
		Message: Message{TransNum: transNum, SourceID: sourceID},
		POI:     POIMessage{Type: poiType},
	}
}

// SubmitPayment builds the submittal that starts an auth-and-settle purchase.
func SubmitPayment(tc models.TransactionContext) Envelope {
	e := newEnvelope(tc.Number, tc.SourceID, POISubmittal)
	e.POI.Submit = &Submit{
		Name: "submitPayment",
		Transaction: SubmitTransaction{
			Action:   "auth_n_settle",
			Customer: "present",
			Source:   "icc",
			Type:     "purchase",
			Amount: Amount{
				Currency: tc.Currency,
				Country:  tc.Country,
				Total:    tc.Amount,
			},
			Description: tc.Description,
		},
	}
	return e
}

// ProcessTransaction asks the terminal to process the submitted transaction.
func ProcessTransaction(transNum string) Envelope {
	e := newEnvelope(transNum, "", POITransactional)
	e.POI.Trans = &Trans{Name: "processTransaction"}
	return e
}

// PrintReceiptResponse acknowledges a posPrintReceipt interaction.
func PrintReceiptResponse(transNum string) Envelope {
	e := newEnvelope(transNum, "", POIInteraction)
	e.POI.Interaction = &Interaction{Name: "posPrintReceiptResponse", Response: "success"}
	return e
}

// Finalise removes the transaction from the terminal's memory.
func Finalise(transNum string) Envelope {
	e := newEnvelope(transNum, "", POITransactional)
	e.POI.Trans = &Trans{Name: "finalise"}
	return e
}

// VoidTransaction cancels a previously submitted transaction by reference.
func VoidTransaction(transNum, sourceID, reference string) Envelope {
	e := newEnvelope(transNum, sourceID, POIAdministrative)
	e.POI.Admin = &Admin{
		Name:        "voidTransaction",
		Transaction: AdminTransaction{Reference: reference},
	}
	return e
}
