package containerapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiration bounds how long a signed backend request stays valid.
const tokenExpiration = 5 * time.Minute

// Signer mints short-lived HS256 tokens so the container backend can verify
// that requests originate from this server and which user they act for.
type Signer struct {
	key []byte
	iss string
}

// NewSigner creates a Signer with the given shared key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key is empty")
	}
	return &Signer{key: key, iss: "codearena-server"}, nil
}

// Token returns a signed token scoped to username. An empty username yields
// a server-identity token with no subject claim.
func (s *Signer) Token(username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.iss,
		"iat": now.Unix(),
		"exp": now.Add(tokenExpiration).Unix(),
	}
	if username != "" {
		claims["sub"] = username
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
