package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

const (
	tokenIssuer     = "factorfolio"
	defaultTokenTtl = 24 * time.Hour
)

func (m ApiHandler) tokenTtl() time.Duration {
	if m.TokenTtl > 0 {
		return m.TokenTtl
	}
	return defaultTokenTtl
}

// createToken signs an HS256 session token that expires after the
// handler's ttl.
func createToken(secret string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func parseToken(tokenStr string, secret string) (*jwt.StandardClaims, error) {
	claims := &jwt.StandardClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !claims.VerifyIssuer(tokenIssuer, true) {
		return nil, fmt.Errorf("unexpected token issuer %q", claims.Issuer)
	}
	return claims, nil
}

func (m ApiHandler) issueToken(c *gin.Context) {
	if m.JwtSecret == "" {
		returnErrorJsonCode(fmt.Errorf("token issuance is not configured"), c, http.StatusNotFound)
		return
	}
	token, err := createToken(m.JwtSecret, time.Now().UTC(), m.tokenTtl())
	if err != nil {
		returnErrorJson(err, c)
		return
	}
	c.JSON(200, gin.H{
		"status": "OK",
		"token":  token,
	})
}

// authMiddleware requires a valid token in the Authorization header.
// With no secret configured every request is let through.
func (m ApiHandler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.JwtSecret == "" {
			c.Next()
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		header = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" {
			returnErrorJsonCode(fmt.Errorf("missing Authorization header"), c, http.StatusUnauthorized)
			return
		}

		claims, err := parseToken(header, m.JwtSecret)
		if err != nil {
			var ve *jwt.ValidationError
			if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
				returnErrorJsonCode(fmt.Errorf("invalid auth credentials: token expired, please reauthenticate"), c, http.StatusUnauthorized)
				return
			}
			returnErrorJsonCode(fmt.Errorf("invalid auth credentials: %w", err), c, http.StatusUnauthorized)
			return
		}
		c.Set("tokenIssuedAt", claims.IssuedAt)
		c.Next()
	}
}
