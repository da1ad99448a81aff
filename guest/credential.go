package guest

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/c0deZ3R0/go-offline-sync/errors"
)

// Credential is what the client can read from an account token without the
// server's key.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Inspect parses token without verifying its signature and rejects tokens
// that carry no subject or are already expired at now. Verification is the
// server's job; this only avoids a doomed round trip.
func Inspect(token string, now time.Time) (Credential, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Credential{}, invalid("empty credential")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, invalid(fmt.Sprintf("malformed credential: %v", err))
	}
	if claims.Subject == "" {
		return Credential{}, invalid("credential has no subject")
	}

	c := Credential{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(c.ExpiresAt) {
			return Credential{}, invalid("credential expired at " + c.ExpiresAt.Format(time.RFC3339))
		}
	}
	return c, nil
}

// Sign issues an HS256 account token for subject.
func Sign(subject string, secret []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks token's signature against secret and its expiry against
// now, and returns its subject.
func Verify(token string, secret []byte, now time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", invalid("credential expired")
		}
		return "", invalid(fmt.Sprintf("invalid credential: %v", err))
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", invalid("invalid credential")
	}
	return claims.Subject, nil
}

func invalid(msg string) error {
	return errors.E(errors.OpClaim, errors.Component(component), errors.KindInvalid, msg)
}
