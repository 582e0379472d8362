package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/register", func(c *fiber.Ctx) error {
		var req RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		op, tokens, err := svc.Register(c.Context(), req)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"operator": op, "tokens": tokens})
	})

	r.Post("/login", func(c *fiber.Ctx) error {
		var req LoginRequest
		if err := c.BodyParser(&req); err != nil || req.Email == "" || req.Password == "" {
			return fiber.NewError(fiber.StatusBadRequest, "email and password required")
		}
		op, tokens, err := svc.Login(c.Context(), req)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, ErrInvalidCredentials.Error())
		}
		return c.JSON(fiber.Map{"operator": op, "tokens": tokens})
	})

	// Each refresh token is single use; a successful refresh revokes it.
	r.Post("/refresh", func(c *fiber.Ctx) error {
		var req RefreshRequest
		if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
			return fiber.NewError(fiber.StatusBadRequest, "refresh_token required")
		}
		tokens, err := svc.RotateRefreshToken(c.Context(), req.RefreshToken)
		if err != nil {
			if errors.Is(err, ErrRefreshInvalid) {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(tokens)
	})

	r.Post("/logout", func(c *fiber.Ctx) error {
		var req RefreshRequest
		if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
			return fiber.NewError(fiber.StatusBadRequest, "refresh_token required")
		}
		if err := svc.RevokeRefreshToken(c.Context(), req.RefreshToken); err != nil && !errors.Is(err, ErrRefreshInvalid) {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/jwt/verify", func(c *fiber.Ctx) error {
		operatorID, err := bearerOperator(c, svc)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"operator_id": operatorID})
	})

	r.Get("/me", func(c *fiber.Ctx) error {
		operatorID, err := bearerOperator(c, svc)
		if err != nil {
			return err
		}
		op, err := svc.GetOperator(c.Context(), operatorID)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "operator not found")
		}
		return c.JSON(op)
	})
}

func bearerOperator(c *fiber.Ctx, svc *Service) (string, error) {
	token := bearerFromHeader(c.Get("Authorization"))
	if token == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	operatorID, err := svc.ValidateAccessToken(token)
	if err != nil {
		return "", fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	return operatorID, nil
}
