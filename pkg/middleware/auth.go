package middleware

import (
	"strings"

	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/jwt"
	"ai-character-runtime/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware
const (
	ClaimsKey   = "claims"
	UserIDKey   = "userId"
	UserNameKey = "userName"
)

// JWTAuth requires a valid bearer token and stores the caller's identity in the context
func JWTAuth(tokens *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return auth(tokens, log, true)
}

// OptionalJWTAuth identifies the caller when a token is present. Requests
// without one continue as guests; an invalid token is still rejected.
func OptionalJWTAuth(tokens *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return auth(tokens, log, false)
}

func auth(tokens *jwt.Service, log *logger.Logger, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if required {
				c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "Authorization header is required"))
				c.Abort()
				return
			}
			c.Next()
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid JWT token", "error", err.Error(), "path", c.Request.URL.Path)
			c.Error(errors.NewUnauthorizedError("INVALID_TOKEN", "Invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID)
		c.Set(UserNameKey, claims.Name)
		c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter browsers use for websocket upgrades
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("token")
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return header
}

// UserID returns the authenticated caller, or "" for guests
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// UserName returns the authenticated caller's display name
func UserName(c *gin.Context) string {
	return c.GetString(UserNameKey)
}
