// Package utils holds small helpers shared by the CLI and the tests.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PaymentToken is a signed bearer token for the payment confirmation
// endpoint along with its expiry.
type PaymentToken struct {
	Token string
	Exp   time.Time
}

// NewPaymentToken signs an HS256 token whose subject names the payment
// system allowed to confirm reservations.  The token carries sub, exp and
// iat claims; the payment guard requires all of them.
func NewPaymentToken(secret, subject string, ttl time.Duration) (PaymentToken, error) {
	if secret == "" {
		return PaymentToken{}, errors.New("payment token: empty secret")
	}
	if subject == "" {
		return PaymentToken{}, errors.New("payment token: empty subject")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return PaymentToken{}, err
	}
	return PaymentToken{Token: signed, Exp: exp}, nil
}
