package constants

// JobState is the lifecycle state of a fax job (stored as-is in fax_jobs.state).
type JobState string

const (
	StateReceived           JobState = "received"
	StateExtracting         JobState = "extracting"
	StateValidating         JobState = "validating"
	StateHeld               JobState = "held"
	StateTransmitting       JobState = "transmitting"
	StateDelivered          JobState = "delivered"
	StateTransmissionFailed JobState = "transmission_failed"
	StateTerminalRejected   JobState = "terminal_rejected"
	StateAbandoned          JobState = "abandoned"
	StateCancelled          JobState = "cancelled"
)

var allStates = []JobState{
	StateReceived,
	StateExtracting,
	StateValidating,
	StateHeld,
	StateTransmitting,
	StateDelivered,
	StateTransmissionFailed,
	StateTerminalRejected,
	StateAbandoned,
	StateCancelled,
}

// States returns every job state in lifecycle order.
func States() []JobState {
	out := make([]JobState, len(allStates))
	copy(out, allStates)
	return out
}

// ParseJobState returns the state named by s.
func ParseJobState(s string) (JobState, bool) {
	for _, st := range allStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition can leave s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateDelivered, StateTerminalRejected, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a cancel request applies immediately in s.
func (s JobState) IsCancellable() bool {
	switch s {
	case StateReceived, StateHeld, StateTransmissionFailed:
		return true
	}
	return false
}

// IsInFlight reports whether s is driven by a worker holding an external call.
func (s JobState) IsInFlight() bool {
	return s == StateExtracting || s == StateTransmitting
}

// ValidationResult is the confidence gate outcome.
type ValidationResult string

const (
	ValidationNone        ValidationResult = ""
	ValidationAutoAccept  ValidationResult = "auto_accept"
	ValidationNeedsReview ValidationResult = "needs_review"
	ValidationRejected    ValidationResult = "rejected"
)

// AttemptOutcome is the recorded result of one transmission attempt.
type AttemptOutcome string

const (
	AttemptDelivered        AttemptOutcome = "delivered"
	AttemptTransientFailure AttemptOutcome = "transient_failure"
	AttemptPermanentFailure AttemptOutcome = "permanent_failure"
	// AttemptConfirmed marks a prior unacknowledged attempt the carrier reports as delivered.
	AttemptConfirmed AttemptOutcome = "confirmed"
)
