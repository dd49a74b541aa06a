package models

// Status codes carried in Response.Status.
const (
	StatusOK               = 0
	StatusFailed           = 1
	StatusBusy             = 297
	StatusBadParams        = 331
	StatusPaymentFailed    = 334
	StatusCancelledByUser  = 335
	StatusNotInitialized   = 336
	StatusCommandRefused   = 442
	StatusVoidNotConfirmed = 443
	StatusEmptyReference   = -298
	StatusInvalidAmount    = -299
)

// Response is the params object of every reply sent by the driver. Only the
// fields relevant to the method are set.
type Response struct {
	Status                 int                 `json:"Status"`
	Description            string              `json:"Description,omitempty"`
	PayDetails             *PayDetails         `json:"PayDetails,omitempty"`
	PayDetailsExtended     *PayDetailsExtended `json:"PayDetailsExtended,omitempty"`
	PayProgress            *PayProgress        `json:"PayProgress,omitempty"`
	ExecuteCommandResponse string              `json:"ExecuteCommandResponse,omitempty"`
}

func (r Response) Succeeded() bool {
	return r.Status == StatusOK
}
