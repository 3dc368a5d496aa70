package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"lukechampine.com/blake3"
)

// credentialClaims bind a credential to one account and one call payload.
type credentialClaims struct {
	Digest string `json:"dig"`
	jwt.RegisteredClaims
}

// Digest is the hex blake3 hash a credential commits to.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type Signer struct {
	account domain.AccountID
	key     ed25519.PrivateKey
	ttl     time.Duration
	clock   func() time.Time
}

func (s *Signer) Account() domain.AccountID {
	return s.account
}

func (s *Signer) Sign(ctx context.Context, payload []byte) (domain.Origin, error) {
	now := s.clock()
	claims := credentialClaims{
		Digest: Digest(payload),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(s.account),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return domain.Origin{}, fmt.Errorf("failed to sign credential: %w", err)
	}

	return domain.Origin{Account: s.account, Credential: signed}, nil
}
