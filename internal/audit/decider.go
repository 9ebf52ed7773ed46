package audit

import "context"

// RoleDecider is the built-in authorization policy used when no
// external authorization service is wired. A caller may always read
// its own tenant; scopes spanning more than one tenant require the
// auditor role, which also grants the elevated flag those scopes need.
type RoleDecider struct {
	// ElevatedRoles are the roles that unlock multi-tenant scopes.
	ElevatedRoles []string
}

// NewRoleDecider creates a RoleDecider with the default elevated roles.
func NewRoleDecider(elevatedRoles ...string) *RoleDecider {
	if len(elevatedRoles) == 0 {
		elevatedRoles = []string{"auditor", "admin"}
	}
	return &RoleDecider{ElevatedRoles: elevatedRoles}
}

// Decide implements Decider.
func (d *RoleDecider) Decide(_ context.Context, req Request) (Decision, error) {
	elevated := false
	for _, role := range req.Roles {
		for _, want := range d.ElevatedRoles {
			if role == want {
				elevated = true
			}
		}
	}

	if req.AllTenants || len(req.TenantIDs) > 1 {
		if !elevated {
			return Decision{Allowed: false, Reason: "multi-tenant scope requires an elevated role"}, nil
		}
		return Decision{Allowed: true, Elevated: true}, nil
	}
	if len(req.TenantIDs) == 1 && req.TenantIDs[0] != req.CallerTenant && !elevated {
		return Decision{Allowed: false, Reason: "scope outside the caller's tenant requires an elevated role"}, nil
	}
	return Decision{Allowed: true, Elevated: elevated}, nil
}
