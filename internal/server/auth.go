package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/predictops/schemapatch/internal/auth"
	"go.uber.org/zap"
)

// AdminAuth returns a Gin middleware that requires a valid admin bearer
// token. Mutating ledger endpoints are gated behind it.
func AdminAuth(tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// RegisterLogin mounts POST /auth/login, exchanging the configured admin
// password for a bearer token. Login always fails when no password hash is
// configured; token issuance then requires the signing secret (patchctl token).
func RegisterLogin(rg *gin.RouterGroup, tokens *auth.TokenIssuer, logger *zap.Logger) {
	rg.POST("/auth/login", func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
			return
		}

		token, err := tokens.Login(req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrBadCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			logger.Error("issue admin token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})
}
