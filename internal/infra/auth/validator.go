package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenValidator — то, что нужно middleware для проверки оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
	VerifyAPIKey(key string) (*domain.OperatorClaims, error)
}

// BaseValidator проверяет RS256 токены и статический API-ключ (bcrypt хэш из конфига)
type BaseValidator struct {
	publicKey  *rsa.PublicKey
	apiKeyHash []byte
}

// NewBaseValidator: любой из аргументов может быть пустым, тогда соответствующий способ выключен
func NewBaseValidator(pubKey *rsa.PublicKey, apiKeyHash string) *BaseValidator {
	v := &BaseValidator{publicKey: pubKey}
	if apiKeyHash != "" {
		v.apiKeyHash = []byte(apiKeyHash)
	}
	return v
}

// VerifyToken проверяет JWT токен, подписанный асимметричным ключом RS256.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	if v.publicKey == nil {
		return nil, fmt.Errorf("%w: jwt verification disabled", ErrUnauthenticated)
	}
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &domain.OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*domain.OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	return claims, nil
}

// VerifyAPIKey сверяет ключ с bcrypt хэшем. Владелец ключа получает admin.
func (v *BaseValidator) VerifyAPIKey(key string) (*domain.OperatorClaims, error) {
	if len(v.apiKeyHash) == 0 || key == "" {
		return nil, fmt.Errorf("%w: api key not accepted", ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword(v.apiKeyHash, []byte(key)); err != nil {
		return nil, fmt.Errorf("%w: api key mismatch", ErrUnauthenticated)
	}
	return &domain.OperatorClaims{
		OperatorID: "api-key",
		Scopes:     map[string]bool{domain.ScopeAdmin: true},
	}, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
