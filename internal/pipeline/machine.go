package pipeline

import (
	"fmt"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// edges is the job state machine. extracting and transmitting may end in cancelled when a
// cancel request arrived while their external call was running.
var edges = map[constants.JobState][]constants.JobState{
	constants.StateReceived:           {constants.StateExtracting, constants.StateCancelled},
	constants.StateExtracting:         {constants.StateValidating, constants.StateHeld, constants.StateCancelled},
	constants.StateValidating:         {constants.StateTransmitting, constants.StateHeld, constants.StateTerminalRejected},
	constants.StateHeld:               {constants.StateTransmitting, constants.StateTerminalRejected, constants.StateCancelled},
	constants.StateTransmitting:       {constants.StateDelivered, constants.StateTransmissionFailed, constants.StateCancelled},
	constants.StateTransmissionFailed: {constants.StateTransmitting, constants.StateAbandoned, constants.StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to constants.JobState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to constants.JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, common.ErrInvalidTransition)
	}
	return nil
}
