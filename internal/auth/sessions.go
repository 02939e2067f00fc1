package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionIssuer = "saturn"

// ErrInvalidSession covers expired, malformed and wrongly signed
// session tokens.
var ErrInvalidSession = errors.New("auth: invalid session token")

// Sessions mints and verifies the HS256 session tokens issued at
// login. Session callers act as the account's primary agent.
type Sessions struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewSessions(secret []byte) *Sessions {
	return &Sessions{
		secret: secret,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// Issue mints a token for an account. Satisfies account.SessionIssuer.
func (s *Sessions) Issue(accountID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, issuer and expiry and returns the account
// ID the token was minted for.
func (s *Sessions) Verify(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidSession
	}

	accountID := strings.TrimSpace(claims.Subject)
	if accountID == "" {
		return "", ErrInvalidSession
	}
	return accountID, nil
}
