// Package notification finds partially submitted prescriptions and delivers
// one reminder per prescription per sweep.
package notification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// EventType identifies notification records on the outbox and the broker.
const EventType = "prescription.incomplete"

// Notification is one reminder that a prescription is still incomplete.
type Notification struct {
	EventID           string    `json:"eventId"`
	PrescriptionID    int64     `json:"prescriptionId"`
	PatientIdentifier string    `json:"patientIdentifier"`
	DoctorID          int64     `json:"doctorId"`
	CreatedAt         time.Time `json:"createdAt"`
	ItemCount         int       `json:"itemCount"`
	PendingBarcodes   []string  `json:"pendingBarcodes"`
	SweptAt           time.Time `json:"sweptAt"`
}

// FromPrescription builds the notification for p.
func FromPrescription(eventID string, p *prescription.Prescription, sweptAt time.Time) *Notification {
	pending := []string{}
	for _, it := range p.Items {
		if !it.IsSubmitted {
			pending = append(pending, it.MedicineBarcode)
		}
	}
	return &Notification{
		EventID:           eventID,
		PrescriptionID:    p.ID,
		PatientIdentifier: p.PatientIdentifier,
		DoctorID:          p.DoctorID,
		CreatedAt:         p.CreatedAt,
		ItemCount:         len(p.Items),
		PendingBarcodes:   pending,
		SweptAt:           sweptAt,
	}
}

// Emitter records a notification for delivery.
type Emitter interface {
	Emit(ctx context.Context, n *Notification) error
}

// LogEmitter writes each notification to the log and nothing else.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a log-only emitter
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter
func (e *LogEmitter) Emit(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.logger.Info("incomplete prescription found",
		zap.String("event_id", n.EventID),
		zap.Int64("prescription_id", n.PrescriptionID),
		zap.String("patient_identifier", n.PatientIdentifier),
		zap.Time("created_at", n.CreatedAt),
		zap.Int("item_count", n.ItemCount),
		zap.Strings("pending_barcodes", n.PendingBarcodes))
	return nil
}
