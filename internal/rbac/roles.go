package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// Valid reports whether role is one this service issues tokens for.
func Valid(role string) bool {
	switch role {
	case RoleDoctor, RolePatient, RoleAdmin:
		return true
	}
	return false
}
