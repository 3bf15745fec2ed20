package domain

import "time"

type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeTransportError Outcome = "transport_error"
)

// DispatchAttempt records one recipient's outcome inside a batch.
type DispatchAttempt struct {
	BatchID   string
	Recipient string
	AccountID AccountID
	Outcome   Outcome
	Err       error
	At        time.Time
}
