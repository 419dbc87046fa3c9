package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// TokenVerifier checks an API token and resolves the acting user. Token
// issuance (login, OAuth) is handled outside this process; the core only
// verifies.
type TokenVerifier interface {
	Verify(token string) (userID int64, ok bool)
}

// StaticTokenVerifier accepts one shared token for a single operator user.
type StaticTokenVerifier struct {
	Token  string
	UserID int64
}

// Verify compares in constant time. An empty configured token rejects all.
func (v StaticTokenVerifier) Verify(token string) (int64, bool) {
	if v.Token == "" || len(token) != len(v.Token) {
		return 0, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return 0, false
	}
	return v.UserID, true
}

// requestToken extracts the caller's token: Authorization bearer header
// first, then the `token` query parameter (used by the WebSocket endpoint,
// where browsers cannot set headers).
func requestToken(c *echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.QueryParam("token")
}

const userIDKey = "nexus.user_id"

// requireAuth rejects requests without a valid token and stores the user id
// on the request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		userID, ok := s.tokens.Verify(requestToken(c))
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

// currentUser returns the authenticated user id set by requireAuth.
func currentUser(c *echo.Context) int64 {
	id, _ := c.Get(userIDKey).(int64)
	return id
}
