package entity

import (
	"time"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// Actor is the identity an operation is performed under.
type Actor struct {
	ID   string         `json:"id"`
	Role constants.Role `json:"role"`
}

// SystemActor is the identity pipeline workers act as.
func SystemActor() Actor {
	return Actor{ID: "faxrelay-worker", Role: constants.RoleSystemWorker}
}

// AuditRecord is an append-only audit entry. Detail never carries patient field values.
type AuditRecord struct {
	ID          int64          `json:"id"`
	ActorID     string         `json:"actor_id"`
	Role        constants.Role `json:"role"`
	Action      string         `json:"action"`
	ResourceRef string         `json:"resource_ref"`
	Outcome     string         `json:"outcome"`
	Detail      string         `json:"detail,omitempty"`
	At          time.Time      `json:"at"`
}
