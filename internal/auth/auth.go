// Package auth implements the Attach Gate's credential side (spec
// §6): TOTP-backed registration/login and the short-lived JWTs that
// gate a room attach. Handlers are wired the same way the teacher's
// api.Handler is — a struct holding its dependencies, methods mounted
// onto a *gin.Engine by Register.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// tokenTTL bounds how long a JWT from Login or Refresh is honored by
// the Attach Gate (spec §6: a single bearer token, re-minted by
// Refresh rather than split into access/refresh pairs).
const tokenTTL = 15 * time.Minute

var validate = validator.New()

// ErrInvalidCredentials covers both "user not found" and "bad TOTP code" —
// deliberately the same error so login doesn't leak which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Account is one registered user. Secret is the TOTP seed provisioned
// at registration time; there is no password, by design — spec §6
// only describes a TOTP-based credential.
type Account struct {
	ID       string
	Username string
	Secret   string
}

// Store is the minimal persistence surface Handler needs for accounts.
// FileStore (store.go) satisfies it, both in tests and in cmd/relay.
type Store interface {
	CreateAccount(Account) error
	GetAccount(username string) (Account, bool, error)
}

// Handler mounts the registration/login/refresh/me endpoints.
type Handler struct {
	store     Store
	jwtSecret []byte
	issuer    string
}

// NewHandler builds a Handler. jwtSecret signs and verifies every
// token this service issues.
func NewHandler(store Store, jwtSecret []byte, issuer string) *Handler {
	return &Handler{store: store, jwtSecret: jwtSecret, issuer: issuer}
}

// Register mounts routes under r, matching the prefix SPEC_FULL §6 names.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api/auth")
	g.POST("/register", h.handleRegister)
	g.POST("/login", h.handleLogin)
	g.POST("/refresh", h.RequireAuth(), h.handleRefresh)
	g.GET("/me", h.RequireAuth(), h.handleMe)
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=1,max=255"`
}

// registerResponse matches spec §6's literal register shape
// (qr_code_base64, message). Secret and OTPAuthURL are carried too —
// not every authenticator-app flow can scan a QR code, and the same
// manual-entry fallback ships alongside the QR in most real TOTP
// registration screens.
type registerResponse struct {
	QRCodeBase64 string `json:"qr_code_base64"`
	Message      string `json:"message"`
	Secret       string `json:"secret"`
	OTPAuthURL   string `json:"otpauth_url"`
}

// handleRegister provisions a fresh TOTP secret for a new username and
// returns it once, rendered as a scannable QR code — the client is
// expected to seed an authenticator app immediately, the same "show it
// once, never again" rule most TOTP flows use.
func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      h.issuer,
		AccountName: req.Username,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate credential"})
		return
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render QR code"})
		return
	}

	if err := h.store.CreateAccount(Account{ID: uuid.NewString(), Username: req.Username, Secret: key.Secret()}); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, registerResponse{
		QRCodeBase64: base64.StdEncoding.EncodeToString(png),
		Message:      fmt.Sprintf("account %q created; scan the QR code in an authenticator app to finish setup", req.Username),
		Secret:       key.Secret(),
		OTPAuthURL:   key.URL(),
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
}

// tokenResponse matches spec §6's literal login/refresh shape: a
// single bearer token, re-minted rather than paired with a refresh
// token.
type tokenResponse struct {
	Token string `json:"token"`
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, ok, err := h.store.GetAccount(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok || !totp.Validate(req.Code, acct.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidCredentials.Error()})
		return
	}

	token, err := h.issueToken(req.Username, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// handleRefresh re-mints a fresh bearer token for whoever RequireAuth
// already authenticated, without requiring another TOTP code (spec §6:
// "POST /api/auth/refresh (bearer) -> { token }").
func (h *Handler) handleRefresh(c *gin.Context) {
	token, err := h.issueToken(c.GetString("username"), tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

func (h *Handler) handleMe(c *gin.Context) {
	username := c.GetString("username")
	acct, ok, err := h.store.GetAccount(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": acct.ID, "username": acct.Username})
}

// issueToken signs a standard-claims JWT for username valid for ttl.
func (h *Handler) issueToken(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    h.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// verifyToken validates signature and expiry and returns the subject.
func (h *Handler) verifyToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// RequireAuth is Gin middleware gating a route behind a valid
// "Authorization: Bearer" token (here /refresh and /me). The WebSocket
// attach route does not use it; it passes its query-string token to
// VerifyForAttach instead.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		username, err := h.verifyToken(raw[len(prefix):])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("username", username)
		c.Next()
	}
}

// VerifyForAttach is a non-middleware entry point for the relay's
// upgrade handler, which needs the username before it can call
// Hub.Attach and therefore can't rely on gin.Context plumbing alone.
func (h *Handler) VerifyForAttach(rawToken string) (username string, err error) {
	return h.verifyToken(rawToken)
}
