package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key holding the authenticated
// operator's name.
const ContextKeyOperator = "operator"

// Middleware rejects requests that do not carry a valid bearer token.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, ErrUnauthorized)
			return
		}

		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Next()
	}
}

// bearerToken pulls the token out of the Authorization header.
func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func abortUnauthorized(c *gin.Context, err error) {
	var authErr AuthError
	if !errors.As(err, &authErr) {
		authErr = ErrInvalidToken
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   authErr.Code,
		"message": authErr.Message,
	})
}

// GetOperator returns the operator name set by Middleware, or an empty
// string when the request carried no valid token.
func GetOperator(c *gin.Context) string {
	if operator, exists := c.Get(ContextKeyOperator); exists {
		return operator.(string)
	}
	return ""
}
