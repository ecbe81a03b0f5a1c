package middleware

import (
	"net/http"
	"strings"

	"github.com/aman-churiwal/gateway-core/internal/service"
	"github.com/gin-gonic/gin"
)

// Resolves a bearer token into an identity context when one is supplied.
// A missing header is not an error here; routes that require auth are
// enforced by the dispatcher. A present-but-invalid token always fails.
func Identity(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format. Use: Bearer <token>",
			})
			c.Abort()
			return
		}

		identity, err := authService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set("identity", identity)
		c.Set("user_id", identity.UserID)

		c.Next()
	}
}

// Rejects requests without a valid identity; used on the admin surface
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get("identity"); !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
