package handlers

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	apierr "github.com/stepscope/stepscope/pkg/api/types/errors"
)

// BearerAuth verifies an `Authorization: Bearer <jwt>` header against
// an HS256 shared key. Claims are not inspected beyond the standard
// validations (expiry and so on); possession of a token signed with
// the key is the whole credential.
func BearerAuth(key []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				return apierr.Unauthorized("set a bearer token", nil)
			}

			token, err := jwt.Parse(
				raw,
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}
					return key, nil
				},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			)
			if err != nil || !token.Valid {
				return apierr.Unauthorized("token is not valid", err)
			}

			return next(c)
		}
	}
}
