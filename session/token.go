package session

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const syncTokenTTL = 24 * time.Hour

// MintSyncToken issues a short-lived HS256 JWT for the desktop sync
// agent. The subject is the user's identity.
func MintSyncToken(secret, user string) (string, error) {
	now := time.Now().UTC()
	token, err := jwt.NewBuilder().
		Issuer("warble").
		Subject(user).
		IssuedAt(now).
		Expiration(now.Add(syncTokenTTL)).
		Build()
	if err != nil {
		return "", fmt.Errorf("session: build sync token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", fmt.Errorf("session: sign sync token: %w", err)
	}
	return string(signed), nil
}

// VerifySyncToken validates a sync JWT and returns its subject.
func VerifySyncToken(secret, raw string) (string, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, []byte(secret)),
		jwt.WithIssuer("warble"),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("session: invalid sync token: %w", err)
	}
	return token.Subject(), nil
}
