package stream

import (
	"backend-salesrephub/internal/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func RegisterRoutes(r fiber.Router, hub *Hub, authMiddleware fiber.Handler) {
	r.Use("/ws", authMiddleware, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})

	r.Get("/ws/:operatorID", ownStream, websocket.New(func(c *websocket.Conn) {
		client := hub.Register(c.Params("operatorID"))
		metrics.ActiveWebSockets.Inc()
		defer func() {
			hub.Unregister(client)
			metrics.ActiveWebSockets.Dec()
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}

// ownStream keeps an authenticated operator on their own event stream.
func ownStream(c *fiber.Ctx) error {
	if id, ok := c.Locals("operator_id").(string); ok && id != "" && id != c.Params("operatorID") {
		return fiber.NewError(fiber.StatusForbidden, "cannot watch another operator")
	}
	return c.Next()
}
