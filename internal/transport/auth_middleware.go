package transport

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/FHIR/fhir-candle-sub000/internal/auth"
)

const descriptorKey = "auth_descriptor"

// AuthMiddleware verifies the bearer token's signature with verifier (when
// non-nil) and stores the projected auth.Descriptor on the echo context for
// handlers to read. A nil verifier matches the teacher's DevAuthMiddleware:
// requests without a token proceed with an empty Descriptor, and a token
// that is present is still parsed (unverified) so scope-based authorization
// has something to test against during development.
func AuthMiddleware(verifier *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				if verifier != nil {
					return writeOutcome(c, http.StatusUnauthorized, "missing authorization header")
				}
				c.Set(descriptorKey, &auth.Descriptor{})
				return next(c)
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return writeOutcome(c, http.StatusUnauthorized, "invalid authorization header format")
			}

			var descriptor auth.Descriptor
			if verifier != nil {
				d, err := verifier.Verify(parts[1])
				if err != nil {
					return writeOutcome(c, http.StatusUnauthorized, "invalid bearer token")
				}
				descriptor = d
			} else {
				d, err := auth.ParseBearer(parts[1])
				if err != nil {
					return writeOutcome(c, http.StatusUnauthorized, "invalid bearer token")
				}
				descriptor = d
			}
			c.Set(descriptorKey, &descriptor)
			return next(c)
		}
	}
}

func descriptorFrom(c echo.Context) *auth.Descriptor {
	d, _ := c.Get(descriptorKey).(*auth.Descriptor)
	if d == nil {
		return &auth.Descriptor{}
	}
	return d
}
