package middleware

import (
	"net/http"
	"strings"

	"gotow/internal/utils"

	"github.com/gin-gonic/gin"
)

// AuthRequired validates the JWT from the Authorization header, or from the
// token query parameter for WebSocket upgrades, and sets user_id, user_type
// and user_name on the context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization token required")
			return
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("user_type", claims.UserType)
		c.Set("user_name", claims.Name)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return ""
		}
		return tokenString
	}
	return c.Query("token")
}

func requireUserType(userType, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("user_type") != userType {
			utils.ErrorResponse(c, http.StatusForbidden, "FORBIDDEN", message)
			return
		}
		c.Next()
	}
}

// AdminRequired middleware ensures user is an admin
func AdminRequired() gin.HandlerFunc {
	return requireUserType(utils.UserTypeAdmin, "Admin access required")
}

// DriverRequired middleware ensures user is a driver
func DriverRequired() gin.HandlerFunc {
	return requireUserType(utils.UserTypeDriver, "Driver access required")
}

// ClientRequired middleware ensures user is a client
func ClientRequired() gin.HandlerFunc {
	return requireUserType(utils.UserTypeClient, "Client access required")
}
