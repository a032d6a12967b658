package entity

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// FieldValue is one extracted field with the provider's confidence in [0,1].
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// FieldMap maps field names to extracted values.
type FieldMap map[string]FieldValue

// Names returns the field names in sorted order.
func (m FieldMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns name -> value without confidences.
func (m FieldMap) Values() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

// Clone returns an independent copy.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FaxJob represents a fax job for data transfer between layers.
type FaxJob struct {
	ID               uuid.UUID                  `json:"id"`
	State            constants.JobState         `json:"state"`
	DocumentRef      string                     `json:"document_ref"`
	ContentType      string                     `json:"content_type"`
	Destination      string                     `json:"destination"`
	Source           string                     `json:"source,omitempty"`
	ExternalFaxID    string                     `json:"external_fax_id,omitempty"`
	FormTemplate     constants.FormTemplate     `json:"form_template,omitempty"`
	ExtractedFields  FieldMap                   `json:"-"`
	ValidationResult constants.ValidationResult `json:"validation_result,omitempty"`
	AttemptHistory   []TransmissionAttempt      `json:"attempt_history,omitempty"`
	RetryCycles      int                        `json:"retry_cycles"`
	CancelRequested  bool                       `json:"cancel_requested"`
	LastError        string                     `json:"last_error,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// FieldsSealed reports whether extracted fields may no longer change.
func (j *FaxJob) FieldsSealed() bool {
	return j.ValidationResult != constants.ValidationNone
}

// CycleAttempts returns the attempts made in the given retry cycle.
func (j *FaxJob) CycleAttempts(cycle int) []TransmissionAttempt {
	var out []TransmissionAttempt
	for _, a := range j.AttemptHistory {
		if a.Cycle == cycle {
			out = append(out, a)
		}
	}
	return out
}

// TransmissionAttempt is one append-only entry in a job's attempt history.
type TransmissionAttempt struct {
	JobID     uuid.UUID                `json:"job_id"`
	Cycle     int                      `json:"cycle"`
	Index     int                      `json:"index"`
	Token     string                   `json:"token"`
	Outcome   constants.AttemptOutcome `json:"outcome"`
	ErrorKind string                   `json:"error_kind,omitempty"`
	ReceiptID string                   `json:"receipt_id,omitempty"`
	At        time.Time                `json:"at"`
}
