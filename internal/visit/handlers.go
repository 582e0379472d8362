package visit

import (
	"strconv"
	"strings"
	"time"

	"backend-salesrephub/internal/shared/geo"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

type createRequest struct {
	OperatorID    string  `json:"operator_id" validate:"required"`
	Name          string  `json:"name" validate:"required"`
	Address       string  `json:"address"`
	City          string  `json:"city"`
	State         string  `json:"state"`
	PostalCode    string  `json:"postal_code"`
	Lat           float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng           float64 `json:"lng" validate:"gte=-180,lte=180"`
	Priority      int     `json:"priority" validate:"gte=0"`
	ScheduledDate string  `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		filter := Filter{OperatorID: c.Query("operator_id")}
		if filter.OperatorID == "" {
			if id, ok := c.Locals("operator_id").(string); ok {
				filter.OperatorID = id
			}
		}
		if filter.OperatorID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "operator_id required")
		}
		if day := c.Query("date"); day != "" {
			d, err := time.Parse("2006-01-02", day)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "date must be YYYY-MM-DD")
			}
			filter.Day = d
		}
		if statuses := c.Query("status"); statuses != "" {
			for _, st := range strings.Split(statuses, ",") {
				filter.Statuses = append(filter.Statuses, Status(strings.TrimSpace(st)))
			}
		}
		targets, err := svc.ListTargets(c.Context(), filter)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(targets)
	})

	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var req createRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		target := Target{
			OperatorID: req.OperatorID,
			Name:       req.Name,
			Address:    req.Address,
			City:       req.City,
			State:      req.State,
			PostalCode: req.PostalCode,
			Lat:        req.Lat,
			Lng:        req.Lng,
			Priority:   req.Priority,
		}
		if req.ScheduledDate != "" {
			target.ScheduledDate, _ = time.Parse("2006-01-02", req.ScheduledDate)
		}
		created, err := svc.CreateTarget(c.Context(), target)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(created)
	})

	r.Get("/nearby", authMiddleware, func(c *fiber.Ctx) error {
		op, _ := c.Locals("operator_id").(string)
		if op == "" {
			return fiber.NewError(fiber.StatusBadRequest, "operator_id required")
		}
		lat, err := strconv.ParseFloat(c.Query("lat"), 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "lat required")
		}
		lng, err := strconv.ParseFloat(c.Query("lng"), 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "lng required")
		}
		if err := (geo.Point{Lat: lat, Lng: lng}).Validate(); err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		radius := c.QueryFloat("radius_km", 5)
		if radius <= 0 {
			radius = 5
		}
		targets, err := svc.Nearby(c.Context(), op, lat, lng, radius)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(targets)
	})

	r.Get("/:id", authMiddleware, func(c *fiber.Ctx) error {
		t, err := svc.GetTarget(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "visit target not found")
		}
		return c.JSON(t)
	})

	r.Patch("/:id", authMiddleware, func(c *fiber.Ctx) error {
		var patch Patch
		if err := c.BodyParser(&patch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := svc.UpdateTarget(c.Context(), c.Params("id"), patch); err != nil {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Delete("/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.DeleteTarget(c.Context(), c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
