package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrNoSecret is returned when a token is requested without a signing secret.
var ErrNoSecret = errors.New("api jwt secret is not configured")

// Claims carried by API tokens.
type Claims struct {
	jwt.RegisteredClaims
}

const tokenIssuer = "scamhunter"

// IssueToken signs an HS256 token for subject, valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates tokenStr and returns its claims.
func ParseToken(secret []byte, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authMiddleware requires a valid bearer token on every request it wraps.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(tokenStr) == "" {
			s.respondWithError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := ParseToken(s.secret, strings.TrimSpace(tokenStr))
		if err != nil {
			s.logger.Debug("Rejected API token", zap.Error(err))
			s.respondWithError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		s.logger.Debug("Authenticated API request", zap.String("subject", claims.Subject), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
