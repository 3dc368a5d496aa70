package wallet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

type PublicKeyResolver interface {
	PublicKey(account domain.AccountID) (ed25519.PublicKey, error)
}

// Verifier authenticates origins from public keys only.
type Verifier struct {
	keys  PublicKeyResolver
	clock func() time.Time
}

func NewVerifier(keys PublicKeyResolver) *Verifier {
	return &Verifier{keys: keys, clock: time.Now}
}

func (v *Verifier) Authenticate(ctx context.Context, origin domain.Origin, payload []byte) (domain.AccountID, error) {
	if origin.Account == "" || origin.Credential == "" {
		return "", fmt.Errorf("%w: missing origin", domain.ErrUnauthorized)
	}

	pub, err := v.keys.PublicKey(origin.Account)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims := &credentialClaims{}
	_, err = jwt.ParseWithClaims(origin.Credential, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(string(origin.Account)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: invalid credential: %v", domain.ErrUnauthorized, err)
	}

	if claims.Digest != Digest(payload) {
		return "", fmt.Errorf("%w: credential does not cover this call", domain.ErrUnauthorized)
	}

	return origin.Account, nil
}
