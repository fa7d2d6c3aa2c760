// Package auth authenticates operators with HMAC-signed bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorKey contextKey = "authOperator"

var (
	errMissingHeader = errors.New("authorization header required")
	errBadScheme     = errors.New("invalid authorization header")
	errNoSubject     = errors.New("missing subject")
)

// OperatorFromContext returns the authenticated operator, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	operator, ok := ctx.Value(operatorKey).(string)
	return operator, ok && operator != ""
}

// WithOperator attaches an operator identity to ctx.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// JWTMiddleware requires a non-expired HS256/384/512 token signed with secret
// and stores its subject as the operator. A non-empty audience must appear in
// the token's aud claim. An empty secret rejects every request.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		if len(key) == 0 {
			unauthorized(c, "missing JWT secret")
			return
		}

		operator, err := authenticate(parser, key, c.GetHeader("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), operator))
		c.Set(string(operatorKey), operator)
		c.Next()
	}
}

func authenticate(parser *jwt.Parser, key []byte, header string) (string, error) {
	if header == "" {
		return "", errMissingHeader
	}
	scheme, raw, found := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", errBadScheme
	}

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
