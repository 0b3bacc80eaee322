package trapguard

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// NewApp builds the Fiber application: the operator dashboard under
// /api/dashboard, then a catch-all that feeds every other request through the
// engine and serves the synthesized deception.
func NewApp(engine *Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "nginx",
		AppName:               "",
	})

	reporter := NewReporter(engine)
	registerDashboard(app, engine, reporter)

	app.All("/*", func(c *fiber.Ctx) error {
		result := engine.Process(NewRequestEvent(c))
		c.Set(fiber.HeaderContentType, result.Payload.ContentType)
		return c.Status(result.Payload.Status).Send(result.Payload.Body)
	})

	return app
}

func registerDashboard(app *fiber.App, engine *Engine, reporter *Reporter) {
	dash := app.Group("/api/dashboard")

	dash.Get("/overview", func(c *fiber.Ctx) error {
		return c.JSON(reporter.Overview(queryInt(c, "top", 10)))
	})

	dash.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": reporter.Sessions(queryInt(c, "limit", 100)),
		})
	})

	dash.Get("/session", func(c *fiber.Ctx) error {
		id := c.Query("session_id")
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id is required"})
		}
		detail, err := reporter.SessionDetail(id,
			queryInt(c, "events", 50), queryInt(c, "deceptions", 50))
		if err != nil {
			if errors.Is(err, ErrUnknownSession) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(detail)
	})

	dash.Get("/alerts", func(c *fiber.Ctx) error {
		status := AlertStatus(c.Query("status"))
		switch status {
		case "", AlertOpen, AlertAck, AlertClosed:
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid status filter"})
		}
		return c.JSON(fiber.Map{
			"alerts": reporter.Alerts(status, queryInt(c, "limit", 100)),
		})
	})

	dash.Post("/alerts/:id/ack", alertTransition(engine.Alerts().Ack))
	dash.Post("/alerts/:id/close", alertTransition(engine.Alerts().Close))

	dash.Get("/health", func(c *fiber.Ctx) error {
		checks := engine.HealthCheck()
		status := fiber.StatusOK
		components := make(map[string]string, len(checks))
		for name, err := range checks {
			if err != nil {
				status = fiber.StatusServiceUnavailable
				components[name] = err.Error()
			} else {
				components[name] = "ok"
			}
		}
		return c.Status(status).JSON(fiber.Map{
			"healthy":    status == fiber.StatusOK,
			"components": components,
		})
	})

	dash.Get("/metrics", func(c *fiber.Ctx) error {
		collector, ok := engine.metrics.(*InMemoryMetricsCollector)
		if !ok {
			return c.Status(fiber.StatusNotImplemented).SendString("metrics export unavailable")
		}
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(collector.ExportPrometheus())
	})
}

func alertTransition(fn func(id string) (Alert, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		alert, err := fn(c.Params("id"))
		if err != nil {
			if errors.Is(err, ErrUnknownAlert) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "alert not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(alert)
	}
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
