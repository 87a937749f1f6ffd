package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the only role accepted on the admin surface.
const RoleOperator = "operator"

// OperatorClaims is the typed JWT presented by charity operators. The subject
// names the operator and is recorded as the actor of every admin action.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}
