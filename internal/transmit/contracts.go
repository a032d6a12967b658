package transmit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// Package is what goes to the carrier: the validated fields and the document, nothing else.
type Package struct {
	JobID       uuid.UUID
	Token       string
	DocumentRef string
	Document    []byte
	ContentType string
	Template    constants.FormTemplate
	Fields      map[string]string
}

// Receipt is the carrier's acknowledgement of a delivery.
type Receipt struct {
	CarrierID   string
	DeliveredAt time.Time
}

// Carrier delivers packages to a destination fax number.
//
// Send must treat Package.Token as an idempotency key where the carrier supports it.
// Lookup reports whether a token was delivered; it returns an error wrapping
// common.ErrNotFound when the carrier has no record of it.
type Carrier interface {
	Send(ctx context.Context, pkg Package, destination string) (Receipt, error)
	Lookup(ctx context.Context, token string) (Receipt, error)
}

// attemptNamespace scopes attempt tokens to this system.
var attemptNamespace = uuid.MustParse("6f0d1b8e-3c55-5a8e-9d43-52f2a4c2b7e1")

// AttemptToken derives the deterministic idempotency token for one attempt.
func AttemptToken(jobID uuid.UUID, cycle, index int) string {
	return uuid.NewSHA1(attemptNamespace, []byte(fmt.Sprintf("%s:%d:%d", jobID, cycle, index))).String()
}
