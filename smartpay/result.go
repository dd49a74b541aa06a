package smartpay

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	ErrEmptyDocument = errors.New("empty xml document")
	ErrNoReceipt     = errors.New("no RECEIPT element")
)

// payment results that mean the terminal authorised the payment
var approvedPaymentResults = []string{"on-line", "terminal", "manual"}

// ExtractResult classifies the last RESULT element of a reply. It returns ""
// when the reply carries no RESULT at all.
func ExtractResult(doc string) (string, error) {
	texts, err := elementTexts(doc, "RESULT")
	if err != nil {
		return "", err
	}
	if len(texts) == 0 {
		return "", nil
	}
	if strings.EqualFold(strings.TrimSpace(texts[len(texts)-1]), ResultSuccess) {
		return ResultSuccess, nil
	}
	return ResultFailure, nil
}

// ExtractPaymentResult classifies the last PAYMENT_RESULT element of a
// processTransactionResponse reply.
func ExtractPaymentResult(doc string) (string, error) {
	texts, err := elementTexts(doc, "PAYMENT_RESULT")
	if err != nil {
		return "", err
	}
	if len(texts) == 0 {
		return "", nil
	}
	last := strings.TrimSpace(texts[len(texts)-1])
	for _, approved := range approvedPaymentResults {
		if strings.EqualFold(last, approved) {
			return ResultSuccess, nil
		}
	}
	return ResultFailure, nil
}

// ExtractReceipt returns the text of the first RECEIPT element.
func ExtractReceipt(doc string) (string, error) {
	texts, err := elementTexts(doc, "RECEIPT")
	if err != nil {
		return "", err
	}
	if len(texts) == 0 {
		return "", ErrNoReceipt
	}
	return texts[0], nil
}

// charsetReader decodes the encoding a reply declares. Unknown labels are
// read as is, receipts are mostly ASCII.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

// elementTexts returns the inner text of every element with the given local
// name, in document order. The whole document is read so malformed input is
// reported even when the element appears before the fault.
func elementTexts(doc, name string) ([]string, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, ErrEmptyDocument
	}

	d := xml.NewDecoder(strings.NewReader(doc))
	d.CharsetReader = charsetReader

	var (
		texts   []string
		current *strings.Builder
		depth   int // nesting below the matched element
		roots   int
		level   int
	)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing reply: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if level == 0 {
				roots++
			}
			level++
			if current != nil {
				depth++
			} else if t.Name.Local == name {
				current = &strings.Builder{}
				depth = 0
			}
		case xml.EndElement:
			level--
			if current == nil {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			texts = append(texts, current.String())
			current = nil
		case xml.CharData:
			if current != nil {
				current.Write(t)
			}
		}
	}
	if roots == 0 {
		return nil, ErrEmptyDocument
	}
	return texts, nil
}
