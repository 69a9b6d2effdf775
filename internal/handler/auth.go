package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenIssuer is the "iss" claim on writer tokens.
	TokenIssuer = "ledgerd"
	// TokenType marks a token as authorizing ledger writes.
	TokenType = "ledger-writer"

	ctxWriterClaims = "writer_claims"
)

// WriterClaims are the JWT claims on a token that authorizes appends,
// saves, loads and autosave changes.
type WriterClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// WriterTokens signs and verifies HS256 writer tokens with a shared secret.
type WriterTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewWriterTokens creates a WriterTokens. ttl defaults to 24 hours.
func NewWriterTokens(secret string, ttl time.Duration) *WriterTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WriterTokens{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed writer token for subject.
func (w *WriterTokens) Issue(subject string) (string, error) {
	if len(w.secret) == 0 {
		return "", errors.New("sign writer token: empty secret")
	}
	now := time.Now().UTC()
	claims := WriterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(w.ttl)),
			ID:        uuid.New().String(),
		},
		Type: TokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
	if err != nil {
		return "", fmt.Errorf("sign writer token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a writer token, returning its claims.
func (w *WriterTokens) Verify(tokenStr string) (*WriterClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&WriterClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return w.secret, nil
		},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify writer token: %w", err)
	}
	claims, ok := token.Claims.(*WriterClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid writer token claims")
	}
	if claims.Type != TokenType {
		return nil, errors.New("not a writer token")
	}
	return claims, nil
}

// RequireWriter returns a Gin middleware that enforces a valid writer
// Bearer token. A nil WriterTokens lets every request through.
func RequireWriter(tokens *WriterTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer writer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid writer token: " + err.Error(),
			})
			return
		}

		c.Set(ctxWriterClaims, claims)
		c.Next()
	}
}

// WriterFromContext returns the writer claims set by RequireWriter.
func WriterFromContext(c *gin.Context) (*WriterClaims, bool) {
	v, ok := c.Get(ctxWriterClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*WriterClaims)
	return claims, ok
}
