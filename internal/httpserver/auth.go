package httpserver

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentops/governor/internal/httpserver/httputil"
)

// requireAdminJWT guards the admin group with an HS256 bearer token signed
// by admin.jwt_secret. An empty secret disables the admin surface entirely
// rather than leaving it open.
func (s *Server) requireAdminJWT(c *fiber.Ctx) error {
	secret := s.deps.Config.Admin.JWTSecret
	if secret == "" {
		return httputil.WriteError(c, fiber.StatusForbidden, "admin api disabled")
	}

	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "bearer token required")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid token")
	}

	return c.Next()
}
