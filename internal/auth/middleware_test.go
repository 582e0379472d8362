package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/private", JWTMiddleware("secret"), func(c *fiber.Ctx) error {
		id, _ := c.Locals("operator_id").(string)
		if id != "op-1" {
			return fiber.NewError(fiber.StatusUnauthorized)
		}
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token")
	}

	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for bad token")
	}

	token, _ := NewService("secret", nil).signToken("op-1", accessTokenTTL)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ok")
	}
}

func TestJWTMiddlewareInvalidClaims(t *testing.T) {
	old := parseMiddlewareClaimsFn
	parseMiddlewareClaimsFn = func(_ string, _ jwt.Claims, _ jwt.Keyfunc, _ ...jwt.ParserOption) (*jwt.Token, error) {
		return &jwt.Token{Valid: false, Claims: &Claims{}}, nil
	}
	defer func() { parseMiddlewareClaimsFn = old }()

	app := fiber.New()
	app.Get("/private", JWTMiddleware("secret"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer token")
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestBearerFromHeader(t *testing.T) {
	if bearerFromHeader("bad") != "" {
		t.Fatalf("expected empty token")
	}
	if bearerFromHeader("bearer token") != "token" {
		t.Fatalf("expected token")
	}
}

func TestJWTMiddlewareQueryToken(t *testing.T) {
	app := fiber.New()
	app.Get("/ws", JWTMiddleware("secret"), func(c *fiber.Ctx) error {
		id, _ := c.Locals("operator_id").(string)
		return c.SendString(id)
	})

	token, _ := NewService("secret", nil).signToken("op-1", accessTokenTTL)
	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", resp.StatusCode)
	}

	anonymous, _ := NewService("secret", nil).signToken("", accessTokenTTL)
	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/ws?access_token="+anonymous, nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected token without operator to be rejected, got %d", resp.StatusCode)
	}
}
