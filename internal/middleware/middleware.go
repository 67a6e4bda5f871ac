package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/franzego/guardwire/internal/auth"
	"github.com/franzego/guardwire/internal/models"
)

// needed to ensure we have the id for tracking every request for its lifetime
func CorrelationID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationId := ctx.GetHeader("X-Correlation-ID")
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		ctx.Set("correlation_id", correlationId)
		ctx.Header("X-Correlation-ID", correlationId)
		ctx.Next()
	}
}

// AuthMiddleware guards the detector-facing API with the injected
// credential verifier.
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authKey := c.GetHeader("Authorization")
		if authKey == "" {
			c.JSON(http.StatusUnauthorized, models.APIResponse{
				Success: false,
				Error:   "Authorization header required",
				Message: "Unauthorized",
			})
			c.Abort()
			return
		}
		parts := strings.SplitN(authKey, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, models.APIResponse{
				Success: false,
				Error:   "Invalid Authorization header",
				Message: "Unauthorized",
			})
			c.Abort()
			return
		}
		principal, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, models.APIResponse{
				Success: false,
				Error:   "Invalid Token",
				Message: "Unauthorized",
			})
			c.Abort()
			return
		}
		c.Set("user_id", principal.UserID)
		c.Set("user_type", principal.UserType)
		c.Next()
	}
}
