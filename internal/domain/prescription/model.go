// Package prescription implements the prescription aggregate and its fulfillment lifecycle.
package prescription

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field limits mirrored by the relational schema.
const (
	PatientIdentifierLength = 11
	MaxBarcodeLength        = 13
	MaxMedicineNameLength   = 100
	MaxUsageLength          = 200
)

// Status represents prescription fulfillment status
type Status string

const (
	StatusCreated            Status = "Created"
	StatusPartiallySubmitted Status = "PartiallySubmitted"
	StatusCompleted          Status = "Completed"
)

// ParseStatus accepts the status name (case-insensitive) or its ordinal 0..2.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "0":
		return StatusCreated, nil
	case "partiallysubmitted", "partially_submitted", "1":
		return StatusPartiallySubmitted, nil
	case "completed", "2":
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown prescription status %q", s)
}

// Prescription is the aggregate root. Items are fixed at creation and
// submissions are append-only.
type Prescription struct {
	ID                int64        `json:"id"`
	PatientIdentifier string       `json:"patientIdentifier"`
	DoctorID          int64        `json:"doctorId"`
	CreatedAt         time.Time    `json:"createdAt"`
	Status            Status       `json:"status"`
	Items             []Item       `json:"items"`
	Submissions       []Submission `json:"submissions"`

	changes []*Event
}

// Item is a single prescribed medicine.
type Item struct {
	ID                int64  `json:"id"`
	MedicineBarcode   string `json:"medicineBarcode"`
	MedicineName      string `json:"medicineName"`
	Quantity          int    `json:"quantity"`
	UsageInstructions string `json:"usageInstructions"`
	IsSubmitted       bool   `json:"isSubmitted"`
}

// Submission records one fulfillment event by a pharmacy.
type Submission struct {
	ID                int64     `json:"id"`
	PharmacyID        int64     `json:"pharmacyId"`
	SubmittedAt       time.Time `json:"submittedAt"`
	SubmittedBarcodes []string  `json:"submittedBarcodes"`
}

// ItemInput is the caller-supplied description of an item to prescribe.
// Name is already resolved against the medicine catalog.
type ItemInput struct {
	Barcode  string `json:"barcode"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Usage    string `json:"usage"`
}

// DeriveStatus computes status from item flags alone.
func DeriveStatus(items []Item) Status {
	submitted := 0
	for _, it := range items {
		if it.IsSubmitted {
			submitted++
		}
	}
	switch {
	case len(items) > 0 && submitted == len(items):
		return StatusCompleted
	case submitted > 0:
		return StatusPartiallySubmitted
	default:
		return StatusCreated
	}
}

// newPrescription builds an unsaved aggregate and records its creation event.
func newPrescription(doctorID int64, patientIdentifier string, inputs []ItemInput, now time.Time) *Prescription {
	p := &Prescription{
		PatientIdentifier: patientIdentifier,
		DoctorID:          doctorID,
		CreatedAt:         now,
		Status:            StatusCreated,
		Items:             make([]Item, 0, len(inputs)),
		Submissions:       []Submission{},
	}
	for _, in := range inputs {
		p.Items = append(p.Items, Item{
			MedicineBarcode:   strings.TrimSpace(in.Barcode),
			MedicineName:      strings.TrimSpace(in.Name),
			Quantity:          in.Quantity,
			UsageInstructions: strings.TrimSpace(in.Usage),
		})
	}
	p.record(EventPrescriptionCreated, now, &PrescriptionCreatedData{
		DoctorID:          doctorID,
		PatientIdentifier: patientIdentifier,
		ItemCount:         len(p.Items),
	})
	return p
}

// RecordSubmission flags every item whose barcode is listed, appends the
// submission and recomputes status. It returns the barcodes that flipped
// an item from unsubmitted to submitted.
func (p *Prescription) RecordSubmission(pharmacyID int64, barcodes []string, at time.Time) []string {
	listed := make(map[string]struct{}, len(barcodes))
	for _, b := range barcodes {
		listed[b] = struct{}{}
	}

	var flipped []string
	for i := range p.Items {
		if _, ok := listed[p.Items[i].MedicineBarcode]; ok && !p.Items[i].IsSubmitted {
			p.Items[i].IsSubmitted = true
			flipped = append(flipped, p.Items[i].MedicineBarcode)
		}
	}

	p.Submissions = append(p.Submissions, Submission{
		PharmacyID:        pharmacyID,
		SubmittedAt:       at,
		SubmittedBarcodes: append([]string(nil), barcodes...),
	})

	before := p.Status
	p.Status = DeriveStatus(p.Items)

	p.record(EventPrescriptionSubmitted, at, &PrescriptionSubmittedData{
		PharmacyID:     pharmacyID,
		Barcodes:       barcodes,
		NewlySubmitted: flipped,
		Status:         p.Status,
	})
	if p.Status == StatusCompleted && before != StatusCompleted {
		p.record(EventPrescriptionCompleted, at, &PrescriptionCompletedData{
			CompletedBy: pharmacyID,
		})
	}
	return flipped
}

// UnknownBarcodes returns the listed barcodes that match no item.
func (p *Prescription) UnknownBarcodes(barcodes []string) []string {
	known := make(map[string]struct{}, len(p.Items))
	for _, it := range p.Items {
		known[it.MedicineBarcode] = struct{}{}
	}
	var unknown []string
	for _, b := range barcodes {
		if _, ok := known[b]; !ok {
			unknown = append(unknown, b)
		}
	}
	return unknown
}

// HasSubmissionFrom reports whether the pharmacy submitted against this prescription.
func (p *Prescription) HasSubmissionFrom(pharmacyID int64) bool {
	for _, s := range p.Submissions {
		if s.PharmacyID == pharmacyID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy without pending events.
func (p *Prescription) Clone() *Prescription {
	c := *p
	c.changes = nil
	c.Items = append([]Item(nil), p.Items...)
	c.Submissions = make([]Submission, len(p.Submissions))
	for i, s := range p.Submissions {
		s.SubmittedBarcodes = append([]string(nil), s.SubmittedBarcodes...)
		c.Submissions[i] = s
	}
	return &c
}

// Changes returns events recorded since the aggregate was loaded
func (p *Prescription) Changes() []*Event { return p.changes }

// ClearChanges drops recorded events once they are persisted
func (p *Prescription) ClearChanges() { p.changes = nil }

func (p *Prescription) record(t EventType, at time.Time, data interface{}) {
	p.changes = append(p.changes, newEvent(t, at, data))
}

// AggregateKey is the string form of the id used for outbox and message keys.
func (p *Prescription) AggregateKey() string {
	return strconv.FormatInt(p.ID, 10)
}

func validatePatientIdentifier(s string) string {
	if len(s) != PatientIdentifierLength {
		return fmt.Sprintf("patientIdentifier: must be exactly %d digits", PatientIdentifierLength)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Sprintf("patientIdentifier: must be exactly %d digits", PatientIdentifierLength)
		}
	}
	return ""
}

func (in ItemInput) validate(idx int) []string {
	var errs []string
	field := func(name, msg string) {
		errs = append(errs, fmt.Sprintf("items[%d].%s: %s", idx, name, msg))
	}

	barcode := strings.TrimSpace(in.Barcode)
	switch {
	case barcode == "":
		field("barcode", "is required")
	case len(barcode) > MaxBarcodeLength:
		field("barcode", fmt.Sprintf("must be at most %d characters", MaxBarcodeLength))
	}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		field("name", "is required")
	case len(name) > MaxMedicineNameLength:
		field("name", fmt.Sprintf("must be at most %d characters", MaxMedicineNameLength))
	}

	if in.Quantity <= 0 {
		field("quantity", "must be positive")
	}

	usage := strings.TrimSpace(in.Usage)
	switch {
	case usage == "":
		field("usage", "is required")
	case len(usage) > MaxUsageLength:
		field("usage", fmt.Sprintf("must be at most %d characters", MaxUsageLength))
	}
	return errs
}
