package audit

import (
	"fmt"

	"github.com/joseph-ayodele/faxrelay/constants"
)

// Policy maps roles to the actions they may perform.
type Policy struct {
	grants map[constants.Role]map[constants.Action]struct{}
}

var defaultGrants = map[constants.Role][]constants.Action{
	constants.RoleIntakeClerk: {
		constants.ActionIngestDocument,
		constants.ActionReadJobStatus,
		constants.ActionReadDocument,
		constants.ActionWriteJobState,
	},
	constants.RoleClinician: {
		constants.ActionReadJobStatus,
		constants.ActionReadDocument,
		constants.ActionApproveHeldJob,
		constants.ActionWriteJobState,
	},
	constants.RoleComplianceAuditor: {
		constants.ActionReadAuditLog,
		constants.ActionReadJobStatus,
		constants.ActionPurgeDocument,
	},
	constants.RoleSystemWorker: {
		constants.ActionIngestDocument,
		constants.ActionReadJobStatus,
		constants.ActionReadDocument,
		constants.ActionWriteJobState,
		constants.ActionPurgeDocument,
	},
}

// DefaultPolicy returns the built-in role grants.
func DefaultPolicy() *Policy {
	p := &Policy{grants: map[constants.Role]map[constants.Action]struct{}{}}
	for role, actions := range defaultGrants {
		p.grant(role, actions...)
	}
	return p
}

// NewPolicy builds a policy from role name -> action names. An empty map yields DefaultPolicy.
func NewPolicy(cfg map[string][]string) (*Policy, error) {
	if len(cfg) == 0 {
		return DefaultPolicy(), nil
	}
	p := &Policy{grants: map[constants.Role]map[constants.Action]struct{}{}}
	for roleName, actionNames := range cfg {
		role, ok := constants.ParseRole(roleName)
		if !ok {
			return nil, fmt.Errorf("access policy: unknown role %q", roleName)
		}
		actions := make([]constants.Action, 0, len(actionNames))
		for _, name := range actionNames {
			a, ok := constants.ParseAction(name)
			if !ok {
				return nil, fmt.Errorf("access policy: role %s: unknown action %q", roleName, name)
			}
			actions = append(actions, a)
		}
		p.grant(role, actions...)
	}
	return p, nil
}

func (p *Policy) grant(role constants.Role, actions ...constants.Action) {
	set, ok := p.grants[role]
	if !ok {
		set = map[constants.Action]struct{}{}
		p.grants[role] = set
	}
	for _, a := range actions {
		set[a] = struct{}{}
	}
}

// Allows reports whether role may perform action.
func (p *Policy) Allows(role constants.Role, action constants.Action) bool {
	_, ok := p.grants[role][action]
	return ok
}
