package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-123"

func signToken(t *testing.T, secret, userID string, roles []string, expiresIn time.Duration) string {
	t.Helper()
	claims := domain.Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newProtectedApp() *fiber.App {
	app := fiber.New()
	app.Get("/owners/:id", VerifyToken(testSecret), OwnerScope("id"), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	app.Get("/admin", VerifyToken(testSecret), AuthorizeRole(RoleAdmin), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestVerifyToken(t *testing.T) {
	app := newProtectedApp()

	tests := []struct {
		name   string
		header string
		path   string
		want   int
	}{
		{name: "missing token", path: "/owners/u1", want: fiber.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", path: "/owners/u1", want: fiber.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other", "u1", nil, time.Hour), path: "/owners/u1", want: fiber.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, testSecret, "u1", nil, -time.Minute), path: "/owners/u1", want: fiber.StatusUnauthorized},
		{name: "own owner", header: "Bearer " + signToken(t, testSecret, "u1", nil, time.Hour), path: "/owners/u1", want: fiber.StatusOK},
		{name: "other owner", header: "Bearer " + signToken(t, testSecret, "u1", nil, time.Hour), path: "/owners/u2", want: fiber.StatusForbidden},
		{name: "admin on other owner", header: "Bearer " + signToken(t, testSecret, "u1", []string{RoleAdmin}, time.Hour), path: "/owners/u2", want: fiber.StatusOK},
		{name: "admin route without role", header: "Bearer " + signToken(t, testSecret, "u1", nil, time.Hour), path: "/admin", want: fiber.StatusForbidden},
		{name: "admin route", header: "Bearer " + signToken(t, testSecret, "u1", []string{RoleAdmin}, time.Hour), path: "/admin", want: fiber.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestIdempotencyMiddleware(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	calls := 0
	app := fiber.New()
	app.Post("/upload", IdempotencyMiddleware(client, time.Minute), func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": calls})
	})

	send := func(correlationID string) (*http.Response, string) {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		if correlationID != "" {
			req.Header.Set(IdempotencyHeader, correlationID)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	first, firstBody := send("abc")
	assert.Equal(t, fiber.StatusCreated, first.StatusCode)

	replay, replayBody := send("abc")
	assert.Equal(t, fiber.StatusCreated, replay.StatusCode)
	assert.Equal(t, "true", replay.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, firstBody, replayBody)
	assert.Equal(t, 1, calls)

	_, _ = send("")
	_, _ = send("other")
	assert.Equal(t, 3, calls)
}
