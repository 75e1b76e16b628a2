package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime bounds how long an operator token stays valid.
const tokenLifetime = 24 * time.Hour

// LoginRequest is the operator login body.
type LoginRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Key        string `json:"key" binding:"required"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token      string `json:"token"`
	OperatorID string `json:"operator_id"`
}

// OperatorClaims are the claims in operator tokens.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// Login issues an operator JWT when the shared operator key matches.
// Operator access gates only the purge endpoint; peers never authenticate
// to the rendezvous service.
func Login(jwtSecret, operatorKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if operatorKey == "" || subtle.ConstantTimeCompare([]byte(req.Key), []byte(operatorKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid operator key",
			})
			return
		}

		now := time.Now()
		claims := OperatorClaims{
			OperatorID: req.OperatorID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(jwtSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:      tokenString,
			OperatorID: req.OperatorID,
		})
	}
}
