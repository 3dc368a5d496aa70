package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
	"ticksettle/pkg/validation"

	"lukechampine.com/blake3"
)

const minSeedLength = 16

// Keyring is the custodial wallet: every account's ed25519 key is derived from
// a single master seed, so keys never need to be stored.
type Keyring struct {
	seed          []byte
	credentialTTL time.Duration
	clock         func() time.Time

	mu   sync.RWMutex
	keys map[domain.AccountID]ed25519.PrivateKey
}

func NewKeyring(masterSeed string, credentialTTL time.Duration) (*Keyring, error) {
	if len(masterSeed) < minSeedLength {
		return nil, fmt.Errorf("master seed must be at least %d bytes", minSeedLength)
	}
	if credentialTTL <= 0 {
		credentialTTL = time.Minute
	}
	return &Keyring{
		seed:          []byte(masterSeed),
		credentialTTL: credentialTTL,
		clock:         time.Now,
		keys:          make(map[domain.AccountID]ed25519.PrivateKey),
	}, nil
}

func (k *Keyring) privateKey(account domain.AccountID) ed25519.PrivateKey {
	k.mu.RLock()
	key, ok := k.keys[account]
	k.mu.RUnlock()
	if ok {
		return key
	}

	material := make([]byte, 0, len(k.seed)+1+len(account))
	material = append(material, k.seed...)
	material = append(material, 0)
	material = append(material, account...)
	seed := blake3.Sum256(material)
	key = ed25519.NewKeyFromSeed(seed[:])

	k.mu.Lock()
	k.keys[account] = key
	k.mu.Unlock()
	return key
}

func (k *Keyring) PublicKey(account domain.AccountID) (ed25519.PublicKey, error) {
	if err := validation.ValidateAccountID(string(account)); err != nil {
		return nil, err
	}
	return k.privateKey(account).Public().(ed25519.PublicKey), nil
}

// Address is the hex encoded public key of account.
func (k *Keyring) Address(account domain.AccountID) (string, error) {
	pub, err := k.PublicKey(account)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

func (k *Keyring) SignerFor(account domain.AccountID) (ports.Signer, error) {
	if err := validation.ValidateAccountID(string(account)); err != nil {
		return nil, err
	}
	return &Signer{
		account: account,
		key:     k.privateKey(account),
		ttl:     k.credentialTTL,
		clock:   k.clock,
	}, nil
}

// Verifier returns an Authenticator backed by this keyring's public keys.
func (k *Keyring) Verifier() *Verifier {
	return NewVerifier(k)
}
