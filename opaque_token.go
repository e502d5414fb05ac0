package auth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/goliatone/go-errors"
)

const (
	refreshTokenBytes = 64
	resetTokenBytes   = 32
)

// TokenPair is what login, refresh and context switch hand back
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	TokenType        string `json:"token_type"`
}

func newOpaqueToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to generate random token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
