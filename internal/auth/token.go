// Package auth выдаёт и проверяет JWT-токены для изменяющих операций REST API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL срок действия токена по умолчанию
const DefaultTTL = 24 * time.Hour

const issuer = "contentd"

// Ошибки проверки токена
var (
	ErrShortSecret  = errors.New("secret key must be at least 32 bytes")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims поля токена
type Claims struct {
	Editor bool `json:"editor"` // разрешены изменения каталога
	jwt.RegisteredClaims
}

// Issuer подписывает и проверяет токены общим ключом HMAC
type Issuer struct {
	secret []byte
}

// NewIssuer создаёт Issuer из ключа в base64
func NewIssuer(secret string) (*Issuer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("ключ токенов не в base64: %w", err)
	}
	if len(decoded) < 32 {
		return nil, ErrShortSecret
	}
	return &Issuer{secret: decoded}, nil
}

// Issue выдаёт токен для subject
func (i *Issuer) Issue(subject string, editor bool, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := &Claims{
		Editor: editor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate проверяет подпись и срок токена
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// GenerateSecret создаёт случайный ключ в base64
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
