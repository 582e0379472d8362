package tracking

import (
	"errors"
	"time"

	"backend-salesrephub/internal/geosampler"
	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/shift"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the operator's shift actions and the session history.
// Every shift route acts on the operator the auth middleware identified.
func RegisterRoutes(r fiber.Router, svc *Service, reg *shift.Registry, authMiddleware fiber.Handler) {
	r.Get("/session", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		return c.JSON(reg.Get(op).Snapshot())
	})

	r.Post("/session/start", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		var req shift.StartInput
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		session, err := reg.Get(op).StartSession(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(session)
	})

	r.Post("/session/resume", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		session, err := reg.Get(op).Resume(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/session/end", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		var req shift.EndInput
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		session, err := reg.Get(op).EndShift(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/positions", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		var req positionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Timestamp.IsZero() {
			req.Timestamp = time.Now()
		}
		err = reg.Feed(op).Publish(geo.Position{Lat: req.Lat, Lng: req.Lng, AccuracyM: req.AccuracyM, Timestamp: req.Timestamp})
		switch {
		case errors.Is(err, geo.ErrInvalidCoordinate):
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, geosampler.ErrNoCapability):
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	// The device reports whether it can provide location at all.
	r.Put("/positions/availability", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		var req struct {
			Available bool `json:"available"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		reg.Feed(op).SetAvailable(req.Available)
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/targets/refresh", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		m := reg.Get(op)
		if err := m.RefreshTargets(c.Context()); err != nil {
			return httpError(err)
		}
		return c.JSON(m.Snapshot())
	})

	r.Post("/visits/:id/complete", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		var req completeRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		images := req.EvidenceImages
		if req.VisitedAreaImage != "" {
			images = append([]string{req.VisitedAreaImage}, images...)
		}
		target, err := reg.Get(op).CompleteVisit(c.Context(), shift.CompleteInput{
			TargetID:       c.Params("id"),
			EvidenceImages: images,
			Comments:       req.Comments,
		})
		if err != nil {
			return httpError(err)
		}
		return c.JSON(target)
	})

	r.Get("/sessions/:id/summary", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		summary, err := svc.Summary(c.Context(), op, c.Params("id"))
		if errors.Is(err, ErrSessionNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(summary)
	})

	r.Get("/sessions/:id/points", authMiddleware, func(c *fiber.Ctx) error {
		op, err := operatorID(c)
		if err != nil {
			return err
		}
		points, err := svc.Points(c.Context(), op, c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})
}

func operatorID(c *fiber.Ctx) (string, error) {
	id, ok := c.Locals("operator_id").(string)
	if !ok || id == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "operator identity required")
	}
	return id, nil
}

// httpError maps shift error kinds to status codes.
func httpError(err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, shift.ErrValidation):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, shift.ErrCapability):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, shift.ErrTransient):
		status = fiber.StatusBadGateway
	case errors.Is(err, shift.ErrInvariant):
		status = fiber.StatusConflict
	}
	return fiber.NewError(status, err.Error())
}
