package storage

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/upload", authMiddleware, func(c *fiber.Ctx) error {
		operatorID, _ := c.Locals("operator_id").(string)
		if operatorID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "operator identity required")
		}
		var body struct {
			FileName string `json:"file_name"`
			Kind     string `json:"kind"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		img, err := svc.SaveImage(c.Context(), operatorID, body.FileName, body.Kind)
		if errors.Is(err, ErrUnknownKind) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(img)
	})

	r.Get("/images/:id", authMiddleware, func(c *fiber.Ctx) error {
		img, err := svc.GetImage(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "image not found")
		}
		return c.JSON(img)
	})
}
