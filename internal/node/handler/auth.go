package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OperatorClaims are the JWT claims for an operator session token. Operators
// are the only principals here: they submit the governance actions (force
// chunk, trigger snapshot) that consensus proposals map to.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"` // "operator"
}

// OperatorAuth issues and verifies operator tokens with an HMAC secret
// shared through configuration.
type OperatorAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewOperatorAuth creates an OperatorAuth. ttl defaults to 24 hours.
func NewOperatorAuth(secret, issuer string, ttl time.Duration) *OperatorAuth {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &OperatorAuth{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue creates a signed operator token.
func (a *OperatorAuth) Issue(subject string) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
		Role: "operator",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (a *OperatorAuth) Verify(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse operator token: %w", err)
	}
	if !token.Valid || claims.Role != "operator" {
		return nil, fmt.Errorf("token is not a valid operator token")
	}
	return claims, nil
}

// Middleware returns a Gin middleware that requires a bearer operator token.
func (a *OperatorAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing bearer token"},
			})
			return
		}
		claims, err := a.Verify(strings.TrimPrefix(auth, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid operator token"},
			})
			return
		}
		c.Set("operator", claims.Subject)
		c.Next()
	}
}
