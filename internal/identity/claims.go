package identity

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Role names. Keep these stable; they are part of the token contract.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// Claims are the only supported JWT claims shape for this service.
// Multi-tenant invariant: TenantID must be present on every token; all
// session, slot, and transfer records are scoped by it.
type Claims struct {
	jwt.RegisteredClaims

	AgentID   string    `json:"agent_id"`
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

func IsAdmin(role string) bool { return role == RoleAdmin }
