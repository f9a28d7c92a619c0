// Package route gates access to protected views and selects the dashboard
// variant for a role.
package route

import (
	"github.com/shulehub/shule/core/session"
	"github.com/shulehub/shule/core/user"
)

const (
	Login          = "/auth/login"
	Register       = "/auth/register"
	ForgotPassword = "/auth/forgot-password"
	ResetPassword  = "/auth/reset-password"
	Root           = "/"
	Dashboard      = "/dashboard"
)

// authOnlyRoutes are reachable only while logged out; landing on one while
// authenticated forces a redirect to the dashboard.
var authOnlyRoutes = map[string]bool{
	Login:          true,
	Register:       true,
	ForgotPassword: true,
	ResetPassword:  true,
	Root:           true,
}

func IsAuthOnly(location string) bool { return authOnlyRoutes[location] }

// Navigator abstracts the console's current location. To accepts the
// originally requested location as an optional second argument so it can be
// restored after login.
type Navigator interface {
	Current() string
	To(path string, from ...string)
	// Reload tears down and rebuilds the whole console, guaranteeing no
	// derived state keyed by a previous identity survives.
	Reload()
}

// Decision is the guard's verdict for one navigation attempt.
type Decision struct {
	Allowed bool
	// Redirect target and the originally requested location, set when
	// not allowed so the user returns there after logging in.
	To   string
	From string
}

func Allow() Decision { return Decision{Allowed: true} }

func RedirectToLogin(from string) Decision {
	return Decision{To: Login, From: from}
}

// CanEnter gates rendering of a protected view. Only authentication and
// token presence are checked; the permission table below exists as static
// data but is deliberately not consulted here.
func CanEnter(sess session.Session, location string) Decision {
	if sess.IsAuthenticated && sess.Token != nil && !sess.Token.IsZero() {
		return Allow()
	}
	return RedirectToLogin(location)
}

// DashboardFor maps a role to its dashboard variant. Total: an unknown or
// missing role falls back to the least-privileged dashboard instead of
// failing.
func DashboardFor(role string) string {
	switch role {
	case user.RoleSuperAdmin, user.RoleAdmin:
		return Dashboard + "/admin"
	case user.RoleStaff:
		return Dashboard + "/staff"
	case user.RoleTeacher:
		return Dashboard + "/teacher"
	case user.RoleParent:
		return Dashboard + "/parent"
	case user.RoleStudent:
		return Dashboard + "/student"
	default:
		return Dashboard + "/guest"
	}
}

// Permissions maps each role to the modules its dashboard exposes. Static
// data only: nothing enforces it at the guard yet, navigation menus are the
// sole consumer.
var Permissions = map[string][]string{
	user.RoleSuperAdmin: {"students", "teachers", "classes", "fees", "attendance", "assignments", "reports", "notifications", "settings", "users"},
	user.RoleAdmin:      {"students", "teachers", "classes", "fees", "attendance", "assignments", "reports", "notifications", "settings"},
	user.RoleStaff:      {"students", "classes", "fees", "attendance", "notifications"},
	user.RoleTeacher:    {"classes", "attendance", "assignments", "reports"},
	user.RoleParent:     {"fees", "attendance", "reports", "notifications"},
	user.RoleStudent:    {"classes", "assignments", "reports"},
	user.RoleGuest:      {},
}

// ModulesFor returns the dashboard modules for a role; total like
// DashboardFor, unknown roles get the guest set.
func ModulesFor(role string) []string {
	if modules, ok := Permissions[role]; ok {
		return modules
	}
	return Permissions[user.RoleGuest]
}
