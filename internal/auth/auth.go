// Package auth guards the dashboard with a shared password and a signed
// session cookie.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// CookieName is the session cookie set by a successful login.
	CookieName = "dashboard_auth"

	issuer         = "session-change-monitoring"
	subject        = "dashboard"
	defaultMaxAge  = 24 * time.Hour
	bcryptHashCost = 12
)

var (
	// ErrPasswordRequired is returned for an empty login attempt.
	ErrPasswordRequired = errors.New("auth: password required")
	// ErrInvalidPassword is returned when the password does not match.
	ErrInvalidPassword = errors.New("auth: invalid password")
)

// Options configure an Authenticator.
type Options struct {
	Enabled bool
	// Password is either plaintext or a bcrypt hash ($2a$, $2b$, $2y$).
	Password string
	// Secret signs session tokens. A random secret is generated when empty,
	// which invalidates sessions on restart.
	Secret       string
	MaxAge       time.Duration
	SecureCookie bool
}

// Authenticator checks passwords and session cookies.
type Authenticator struct {
	enabled  bool
	password []byte
	hashed   bool
	secret   []byte
	maxAge   time.Duration
	secure   bool
	now      func() time.Time
}

// New validates opts and returns an Authenticator.
func New(opts Options) (*Authenticator, error) {
	a := &Authenticator{
		enabled: opts.Enabled,
		maxAge:  opts.MaxAge,
		secure:  opts.SecureCookie,
		now:     time.Now,
	}
	if a.maxAge <= 0 {
		a.maxAge = defaultMaxAge
	}
	if !opts.Enabled {
		return a, nil
	}

	if opts.Password == "" {
		return nil, errors.New("auth: password must be configured when auth is enabled")
	}
	a.password = []byte(opts.Password)
	a.hashed = isBcryptHash(opts.Password)

	if opts.Secret != "" {
		a.secret = []byte(opts.Secret)
	} else {
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	return a, nil
}

// Enabled reports whether requests must carry a session.
func (a *Authenticator) Enabled() bool { return a != nil && a.enabled }

// CheckPassword compares password with the configured one.
func (a *Authenticator) CheckPassword(password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if !a.Enabled() {
		return nil
	}
	if a.hashed {
		if err := bcrypt.CompareHashAndPassword(a.password, []byte(password)); err != nil {
			return ErrInvalidPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare(a.password, []byte(password)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// Login checks password and returns the session cookie to set.
func (a *Authenticator) Login(password string) (*http.Cookie, error) {
	if err := a.CheckPassword(password); err != nil {
		return nil, err
	}
	return a.SessionCookie()
}

// SessionCookie issues a signed cookie valid for the configured max age.
func (a *Authenticator) SessionCookie() (*http.Cookie, error) {
	now := a.now()
	value := "authenticated"
	if a.Enabled() {
		claims := jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.maxAge)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
		if err != nil {
			return nil, fmt.Errorf("sign session: %w", err)
		}
		value = signed
	}

	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(a.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// Authenticated reports whether r carries a valid session. Every request is
// authenticated when auth is disabled.
func (a *Authenticator) Authenticated(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return a.validToken(cookie.Value)
}

func (a *Authenticator) validToken(value string) bool {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	return err == nil && token.Valid
}

// HashPassword creates a bcrypt hash suitable for server.auth.password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
