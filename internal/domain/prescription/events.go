package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionSubmitted EventType = "PrescriptionSubmitted"
	EventPrescriptionCompleted EventType = "PrescriptionCompleted"
)

// AggregateType names the aggregate in event envelopes.
const AggregateType = "Prescription"

// Event is a domain event recorded by the aggregate and persisted to the
// outbox in the same transaction as the state change.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	AggregateType  string      `json:"aggregateType"`
	PrescriptionID int64       `json:"prescriptionId"`
	OccurredAt     time.Time   `json:"occurredAt"`
	Data           interface{} `json:"data"`
}

func newEvent(t EventType, at time.Time, data interface{}) *Event {
	return &Event{
		ID:            uuid.New().String(),
		Type:          t,
		AggregateType: AggregateType,
		OccurredAt:    at,
		Data:          data,
	}
}

// Payload encodes the event envelope. PrescriptionID must already be assigned.
func (e *Event) Payload() (json.RawMessage, error) {
	return json.Marshal(e)
}

// PrescriptionCreatedData contains prescription creation details
type PrescriptionCreatedData struct {
	DoctorID          int64  `json:"doctorId"`
	PatientIdentifier string `json:"patientIdentifier"`
	ItemCount         int    `json:"itemCount"`
}

// PrescriptionSubmittedData contains one pharmacy submission
type PrescriptionSubmittedData struct {
	PharmacyID     int64    `json:"pharmacyId"`
	Barcodes       []string `json:"barcodes"`
	NewlySubmitted []string `json:"newlySubmitted"`
	Status         Status   `json:"status"`
}

// PrescriptionCompletedData is emitted when the last item is submitted
type PrescriptionCompletedData struct {
	CompletedBy int64 `json:"completedBy"`
}
