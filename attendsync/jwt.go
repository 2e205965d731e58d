// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attendkit/go-attendsync/internal/auth"
)

// Operator is an authenticated caller of the HTTP surface, scoped to one
// company.
type Operator struct {
	ID        string
	CompanyID string
}

// OperatorAuthenticator extracts the authenticated operator from a request.
type OperatorAuthenticator interface {
	GetOperator(r *http.Request) (Operator, error)
}

// JWTAuth handles HS256 JWT authentication for the HTTP surface.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims carries the company scope next to the registered claims.
type JWTClaims struct {
	CompanyID string `json:"cid"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for an operator of a company.
func (j *JWTAuth) GenerateToken(operatorID, companyID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		CompanyID: companyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-attendsync",
			Subject:   operatorID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (operator ID) in token")
		}
		if claims.CompanyID == "" {
			return nil, fmt.Errorf("missing cid (company ID) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// GetOperator extracts the operator from the request (implements
// OperatorAuthenticator).
func (j *JWTAuth) GetOperator(r *http.Request) (Operator, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Operator{}, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return Operator{}, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return Operator{}, fmt.Errorf("invalid token: %w", err)
	}
	return Operator{ID: claims.Subject, CompanyID: claims.CompanyID}, nil
}

// Middleware returns an HTTP middleware enforcing JWT authentication and
// installing the auth context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(auth.SetAuthContext(r.Context(), claims.Subject, claims.CompanyID))
		next.ServeHTTP(w, r)
	})
}
