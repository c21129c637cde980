package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/dshills/mercury/internal/config"
	"github.com/dshills/mercury/internal/plugin/security"
)

const issuer = "mercury"

// AdminRole is the role carried by tokens issued to the configured admin.
const AdminRole = "admin"

// ErrInvalidCredentials is returned for a bad username or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims are the JWT claims of an admin API token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// User returns the acting user the claims describe.
func (c *Claims) User() *security.User {
	return &security.User{ID: c.Username, Role: c.Role}
}

// LoginRequest is the body of POST /api/v1/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries an issued token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// authenticator checks admin credentials and issues tokens.
type authenticator struct {
	secret       []byte
	expiry       time.Duration
	adminUser    string
	passwordHash []byte
	now          func() time.Time
}

func newAuthenticator(cfg config.ServerConfig, now func() time.Time) *authenticator {
	return &authenticator{
		secret:       []byte(cfg.JWTSecret),
		expiry:       cfg.JWTExpiry(),
		adminUser:    cfg.AdminUser,
		passwordHash: []byte(cfg.AdminPasswordHash),
		now:          now,
	}
}

// Login checks the credentials and returns a signed token.
func (a *authenticator) Login(username, password string) (*LoginResponse, error) {
	if username != a.adminUser {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := a.now()
	expiresAt := now.Add(a.expiry)
	claims := &Claims{
		Username: username,
		Role:     AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &LoginResponse{Token: signed, ExpiresAt: expiresAt}, nil
}

// Validate parses a token and returns its claims.
func (a *authenticator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		sendError(w, r, http.StatusNotFound, "AUTH_DISABLED", "Authentication is not configured", nil)
		return
	}
	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}

	resp, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.log.Warn().Str("user", req.Username).Str("request_id", RequestIDFrom(r.Context())).Msg("login rejected")
		sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}
