package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// PaymentSystemKey holds the subject of the verified payment token in the
// echo context.
const PaymentSystemKey = "payment_system"

// PaymentAuth returns a middleware that only lets through requests
// carrying an HS256 bearer token signed with secret.  The token's subject
// names the payment system and is stored under PaymentSystemKey.  With an
// empty secret the guard is disabled.
func PaymentAuth(secret string) echo.MiddlewareFunc {
	if secret == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			var claims jwt.RegisteredClaims
			tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			if claims.Subject == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			c.Set(PaymentSystemKey, claims.Subject)
			return next(c)
		}
	}
}
