// Package auth issues and verifies the bearer tokens protecting the API.
//
// Two token lifecycles exist: a long-lived session token minted on password
// or passkey login, and a short-lived stream token scoped to exactly one
// path, minted on demand for media elements that cannot attach headers.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hoardfs/hoard/internal/logging"
	"github.com/hoardfs/hoard/internal/metrics"
	"github.com/hoardfs/hoard/internal/pathsafe"
	"github.com/hoardfs/hoard/internal/protocol"
)

type contextKey string

const grantContextKey contextKey = "grant"

const issuer = "hoard"

var (
	// ErrInvalidToken covers malformed encoding, bad signatures, and expiry.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongScope means the token verified but does not authorize the
	// requested operation (e.g. a stream token on the wrong path).
	ErrWrongScope = errors.New("token scope does not cover this operation")
)

// GrantKind tags the authorization variant carried by a verified token.
type GrantKind int

const (
	// GrantSession authorizes all protected operations.
	GrantSession GrantKind = iota + 1
	// GrantStream authorizes range reads of exactly one path.
	GrantStream
)

// Grant is the authorization result of verifying a token.
type Grant struct {
	Kind GrantKind
	Path string // set for GrantStream only: the logical relative path
}

// Claims is the wire form of a token.
type Claims struct {
	Authenticated bool   `json:"authenticated,omitempty"`
	Stream        bool   `json:"stream,omitempty"`
	Path          string `json:"path,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with a process-wide secret.
type Service struct {
	secret     []byte
	password   string // plain secret or bcrypt hash
	sessionTTL time.Duration
	streamTTL  time.Duration
}

// NewService creates a token service. password may be a bcrypt hash
// (recognized by its $2 prefix) or a plain secret compared in constant time.
func NewService(secret, password string, sessionTTL, streamTTL time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		password:   password,
		sessionTTL: sessionTTL,
		streamTTL:  streamTTL,
	}
}

// StreamTTL returns the stream-token lifetime.
func (s *Service) StreamTTL() time.Duration { return s.streamTTL }

// IssueSession mints a session token.
func (s *Service) IssueSession() (string, time.Time, error) {
	return s.issue(&Claims{Authenticated: true}, s.sessionTTL)
}

// IssueStream mints a stream token scoped to the logical relative path.
func (s *Service) IssueStream(relPath string) (string, time.Time, error) {
	return s.issue(&Claims{Stream: true, Path: pathsafe.Clean(relPath)}, s.streamTTL)
}

func (s *Service) issue(claims *Claims, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	str, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return str, expires, nil
}

// Verify checks signature and expiry and returns the tagged grant.
func (s *Service) Verify(tokenStr string) (*Grant, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch {
	case claims.Stream:
		return &Grant{Kind: GrantStream, Path: claims.Path}, nil
	case claims.Authenticated:
		return &Grant{Kind: GrantSession}, nil
	}
	return nil, ErrInvalidToken
}

// AuthorizeStream decides whether tokenStr may range-read relPath. Exactly
// one of {valid session grant, valid stream grant with exact path equality}
// grants access. A valid stream token for a different path denies with
// ErrWrongScope (403), not ErrInvalidToken (401); the session check is the
// fallback, never skipped.
func (s *Service) AuthorizeStream(tokenStr, relPath string) (*Grant, error) {
	grant, err := s.Verify(tokenStr)
	if err != nil {
		return nil, ErrInvalidToken
	}
	switch grant.Kind {
	case GrantStream:
		if grant.Path == pathsafe.Clean(relPath) {
			return grant, nil
		}
		return nil, ErrWrongScope
	case GrantSession:
		return grant, nil
	}
	return nil, ErrInvalidToken
}

// CheckPassword verifies the login password against the configured secret.
func (s *Service) CheckPassword(password string) bool {
	if strings.HasPrefix(s.password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(s.password), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.password), []byte(password)) == 1
}

// ExtractToken pulls the bearer token from a request: Authorization header
// first, then the token/access_token query parameters. The query channel
// exists because media elements cannot attach custom headers; it is scoped
// to the streaming endpoints by their short-lived tokens.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("access_token")
}

// Middleware protects general operations: a valid session grant passes, a
// valid stream-only token is insufficient scope (403), anything else is 401.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := ExtractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt("token", false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		grant, err := s.Verify(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt("token", false)
			sendAuthError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		switch grant.Kind {
		case GrantSession:
		case GrantStream:
			metrics.RecordAuthAttempt("token", false)
			sendAuthError(w, http.StatusForbidden, "stream token does not authorize this operation")
			return
		default:
			metrics.RecordAuthAttempt("token", false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), grantContextKey, grant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetGrant extracts the verified grant from the request context.
func GetGrant(ctx context.Context) *Grant {
	grant, _ := ctx.Value(grantContextKey).(*Grant)
	return grant
}

// HandleLogin handles POST /api/auth/login.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt("password", false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.CheckPassword(req.Password) {
		metrics.RecordAuthAttempt("password", false)
		logging.Warn("login failed: invalid password", zap.String("remote", r.RemoteAddr))
		sendAuthError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, expires, err := s.IssueSession()
	if err != nil {
		metrics.RecordAuthAttempt("password", false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt("password", true)
	logging.Info("login successful", zap.String("remote", r.RemoteAddr))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.LoginResponse{
		Token:     token,
		ExpiresAt: expires,
		Message:   "Login successful",
	})
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
