package auth

import (
	"errors"
	"time"
)

// APIKey is a stored credential. The secret half of the key is kept only as
// a bcrypt hash; the plaintext exists for the single response that issued it.
type APIKey struct {
	KeyID      string
	UserID     string
	SecretHash string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

const keyPrefix = "ub"

var (
	// ErrMalformedKey indicates the presented credential does not parse.
	ErrMalformedKey = errors.New("auth: malformed api key")
	// ErrKeyRevoked indicates the credential was revoked.
	ErrKeyRevoked = errors.New("auth: api key revoked")
)
