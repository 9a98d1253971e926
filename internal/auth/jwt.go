package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Validator turns a bearer token into a user id.
type Validator interface {
	Validate(token string) (string, error)
}

type JWTValidator struct {
	key    interface{}
	method string
}

// NewJWTValidator accepts RS256 with a PEM public key file or HS256 with a
// shared secret.
func NewJWTValidator(alg, publicKeyPath, secret string) (*JWTValidator, error) {
	switch strings.ToUpper(alg) {
	case "RS256":
		pub, err := loadRSAPublicKey(publicKeyPath)
		if err != nil {
			return nil, err
		}
		return &JWTValidator{key: pub, method: "RS256"}, nil
	case "HS256":
		if secret == "" {
			return nil, errors.New("hs256 secret missing")
		}
		return &JWTValidator{key: []byte(secret), method: "HS256"}, nil
	}
	return nil, errors.New("invalid jwt alg (use RS256 or HS256)")
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("failed to decode public key")
	}
	pubIfc, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := pubIfc.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return pub, nil
}

func (j *JWTValidator) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("missing token")
	}
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return j.key, nil
	}, jwt.WithValidMethods([]string{j.method}))
	if err != nil {
		return "", err
	}
	if claims, ok := tok.Claims.(jwt.MapClaims); ok && tok.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
		if userID, ok := claims["user_id"].(string); ok && userID != "" {
			return userID, nil
		}
	}
	return "", errors.New("invalid token")
}
