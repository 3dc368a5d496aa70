package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

// AuthService issues API session tokens to accounts that prove control of
// their wallet key by signing a login call.
type AuthService interface {
	Login(ctx context.Context, origin domain.Origin, nonce string) (*SessionTokens, error)
	GenerateToken(account domain.AccountID) (string, error)
	GenerateRefreshToken(account domain.AccountID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	AccessTokenTTL() time.Duration
}

type Claims struct {
	Account domain.AccountID `json:"account"`
	Kind    string           `json:"kind"`
	jwt.RegisteredClaims
}

type SessionTokens struct {
	Account      domain.AccountID `json:"account"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	ExpiresIn    int              `json:"expires_in"`
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	authenticator   ports.Authenticator
	clock           func() time.Time
}

func NewAuthService(
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	authenticator ports.Authenticator,
) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		authenticator:   authenticator,
		clock:           time.Now,
	}
}

// Login exchanges a wallet-signed login call for an access and refresh token.
func (s *authService) Login(ctx context.Context, origin domain.Origin, nonce string) (*SessionTokens, error) {
	if origin.Account == "" || nonce == "" {
		return nil, fmt.Errorf("%w: account and nonce are required", domain.ErrInvalidArgument)
	}
	payload, err := domain.NewLoginCall(origin.Account, nonce).Payload()
	if err != nil {
		return nil, err
	}
	account, err := s.authenticator.Authenticate(ctx, origin, payload)
	if err != nil {
		return nil, err
	}

	access, err := s.GenerateToken(account)
	if err != nil {
		return nil, err
	}
	refresh, err := s.GenerateRefreshToken(account)
	if err != nil {
		return nil, err
	}
	return &SessionTokens{
		Account:      account,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTokenTTL / time.Second),
	}, nil
}

func (s *authService) GenerateToken(account domain.AccountID) (string, error) {
	return s.sign(account, tokenKindAccess, s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(account domain.AccountID) (string, error) {
	return s.sign(account, tokenKindRefresh, s.refreshTokenTTL)
}

func (s *authService) sign(account domain.AccountID, kind string, ttl time.Duration) (string, error) {
	now := s.clock()
	claims := &Claims{
		Account: account,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(account),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, tokenKindAccess)
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, tokenKindRefresh)
}

func (s *authService) validate(tokenString, kind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Kind != kind || claims.Account == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}
