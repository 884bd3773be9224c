package server

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNoCredentials  = errors.New("no credentials")
	ErrBadCredentials = errors.New("invalid credentials")
)

const issuer = "objlog"

// Auth checks bearer credentials: HS256 JWTs signed with the server secret,
// or static tokens whose sha3-256 digest is configured. An Auth with neither
// configured lets every request through.
type Auth struct {
	secret []byte
	hashes map[string]bool
	now    func() time.Time
}

// NewAuth creates an Auth. tokenHashes are hex sha3-256 digests.
func NewAuth(secret string, tokenHashes []string) *Auth {
	a := &Auth{
		hashes: make(map[string]bool, len(tokenHashes)),
		now:    time.Now,
	}
	if secret != "" {
		a.secret = []byte(secret)
	}
	for _, h := range tokenHashes {
		a.hashes[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Auth) Enabled() bool {
	return a != nil && (len(a.secret) > 0 || len(a.hashes) > 0)
}

// HashToken returns the hex sha3-256 digest of a static token, the form
// kept in config.
func HashToken(token string) string {
	h := sha3.New256()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MintToken signs a token for subject valid for ttl.
func (a *Auth) MintToken(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no jwt secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate returns the subject of a valid token.
func (a *Auth) Validate(token string) (string, error) {
	for h := range a.hashes {
		if TokensEqual(HashToken(token), h) {
			return "static-token", nil
		}
	}
	if len(a.secret) == 0 {
		return "", ErrBadCredentials
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	if claims.Issuer != issuer {
		return "", fmt.Errorf("%w: wrong issuer %q", ErrBadCredentials, claims.Issuer)
	}
	return claims.Subject, nil
}

// Authenticate extracts the token from the Authorization header, or from the
// token query parameter for websocket clients, and validates it.
func (a *Auth) Authenticate(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		var ok bool
		if token, ok = strings.CutPrefix(h, "Bearer "); !ok {
			return "", ErrBadCredentials
		}
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrNoCredentials
	}
	return a.Validate(token)
}

// Require wraps next so that requests without valid credentials get a 401.
func (a *Auth) Require(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.Authenticate(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
