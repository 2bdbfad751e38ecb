package jwt

import (
	"crypto/rsa"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type JSONWebToken struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

func NewJSONWebToken(privateKeyPEM, publicKeyPEM []byte) *JSONWebToken {
	j := &JSONWebToken{}

	if len(privateKeyPEM) > 0 {
		pk, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
		if err != nil {
			panic(err)
		}
		j.privateKey = pk
	}

	if len(publicKeyPEM) > 0 {
		pub, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
		if err != nil {
			panic(err)
		}
		j.publicKey = pub
	}

	return j
}

func (j *JSONWebToken) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred trying to sign the token")
	}

	return signed, nil
}

func (j *JSONWebToken) Parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.publicKey, nil
	})
	if err != nil || !token.Valid {
		return errors.New(http.StatusUnauthorized, status.UNAUTHORIZED, "invalid token")
	}

	return nil
}
