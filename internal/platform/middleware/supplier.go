package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const supplierContextKey = "supplier_system"

// SupplierFrom returns the supplier system identity attached to the request,
// or "" when no identity middleware ran.
func SupplierFrom(c echo.Context) string {
	s, _ := c.Get(supplierContextKey).(string)
	return s
}

// SupplierIdentity extracts the calling supplier system from the bearer
// token's "supplier" claim. Token issuance and scope policy live at the API
// gateway; this layer only needs to know who is writing.
func SupplierIdentity(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			supplier, _ := claims["supplier"].(string)
			if supplier == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token carries no supplier identity")
			}

			c.Set(supplierContextKey, supplier)
			return next(c)
		}
	}
}

// DevSupplier attaches a fixed supplier identity, for development mode only.
func DevSupplier(supplier string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(supplierContextKey, supplier)
			return next(c)
		}
	}
}
