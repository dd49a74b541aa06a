package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MinPaymentDuration is the lowest accepted PaymentDuration, in seconds.
const MinPaymentDuration = 12

// InitParameters configure the driver. Hosts send numbers either as JSON
// numbers or as strings, both are accepted.
type InitParameters struct {
	PaymentDuration                   FlexInt  `json:"PaymentDuration"`
	PaymentResult                     FlexInt  `json:"PaymentResult"`
	TenderMedia                       string   `json:"TenderMedia"`
	IsPaymentCancelSuccessful         FlexBool `json:"IsPaymentCancelSuccessful"`
	IsPaymentExecuteCommandSuccessful FlexBool `json:"IsPaymentExecuteCommandSuccessful"`
	ComPort                           FlexInt  `json:"ComPort"`
	Port                              FlexInt  `json:"Port"`
	KioskNumber                       FlexInt  `json:"KioskNumber"`
	SourceID                          string   `json:"SourceId"`
	Currency                          FlexInt  `json:"Currency"`
	Country                           FlexInt  `json:"Country"`
	ServiceName                       string   `json:"ServiceName"`
}

// Validate checks the values the terminal needs and clamps PaymentDuration.
func (p *InitParameters) Validate() error {
	switch {
	case p.Port <= 0:
		return fmt.Errorf("invalid port %d", p.Port)
	case p.KioskNumber <= 0:
		return fmt.Errorf("invalid kiosk number %d", p.KioskNumber)
	case p.Country <= 0:
		return fmt.Errorf("invalid country %d", p.Country)
	case p.Currency <= 0:
		return fmt.Errorf("invalid currency %d", p.Currency)
	case strings.TrimSpace(p.SourceID) == "":
		return fmt.Errorf("source id can't be empty")
	}

	if p.PaymentDuration < MinPaymentDuration {
		p.PaymentDuration = MinPaymentDuration
	}
	return nil
}

// ExecuteCommandRequest runs a maintenance command on the driver.
type ExecuteCommandRequest struct {
	Command     string `json:"Command"`
	CommandInfo string `json:"CommandInfo"`
}

// FlexInt decodes from a JSON number or a string holding one.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("decoding %s as integer: %w", b, err)
	}
	*n = FlexInt(v)
	return nil
}

// FlexBool decodes from a JSON bool or a string such as "true" or "1".
type FlexBool bool

func (v *FlexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("decoding %s as bool: %w", b, err)
	}
	*v = FlexBool(parsed)
	return nil
}
