package models

import "github.com/google/uuid"

// Event types pushed to subscribers when a request changes state. The
// values are part of the wire contract.
const (
	EventInserted  = "inserted"
	EventAccepted  = "accepted"
	EventCancelled = "cancelled"
	EventExpired   = "expired"
)

// RequestEvent is the fan-out payload. Delivery is best-effort: events
// may be lost or duplicated, and subscribers reconcile against the
// pending list by polling. Status is carried so clients can merge
// idempotently without a read-back.
type RequestEvent struct {
	Type      string        `json:"type"`
	RequestID uuid.UUID     `json:"request_id"`
	SubjectID uuid.UUID     `json:"subject_id"`
	Status    RequestStatus `json:"status"`
}
