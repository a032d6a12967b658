package constants

// Role is the access role carried by an actor.
type Role string

const (
	RoleIntakeClerk       Role = "intake-clerk"
	RoleClinician         Role = "clinician"
	RoleComplianceAuditor Role = "compliance-auditor"
	RoleSystemWorker      Role = "system-worker"
)

var allRoles = []Role{RoleIntakeClerk, RoleClinician, RoleComplianceAuditor, RoleSystemWorker}

// ParseRole returns the role named by s.
func ParseRole(s string) (Role, bool) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Action is an operation guarded by the access policy.
type Action string

const (
	ActionReadDocument   Action = "read-document"
	ActionWriteJobState  Action = "write-job-state"
	ActionApproveHeldJob Action = "approve-held-job"
	ActionPurgeDocument  Action = "purge-document"
	ActionReadAuditLog   Action = "read-audit-log"
	ActionIngestDocument Action = "ingest-document"
	ActionReadJobStatus  Action = "read-job-status"
)

var allActions = []Action{
	ActionReadDocument,
	ActionWriteJobState,
	ActionApproveHeldJob,
	ActionPurgeDocument,
	ActionReadAuditLog,
	ActionIngestDocument,
	ActionReadJobStatus,
}

// ParseAction returns the action named by s.
func ParseAction(s string) (Action, bool) {
	for _, a := range allActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Audit outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
