package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы оператора control plane
const (
	ScopeAdmin      = "admin"
	ScopeRulesWrite = "rules.write"
	ScopeAgentsOps  = "agents.ops" // register/unregister, блоклист
)

// OperatorClaims — полезная нагрузка RS256 токена оператора
type OperatorClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "admin": true или "rules.write": true
	jwt.RegisteredClaims
}

// Allows — есть ли у оператора скоуп (admin разрешает все)
func (c *OperatorClaims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
