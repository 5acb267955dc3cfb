// Package gateway is the HTTP surface: the unified operation endpoint,
// REST-style record routes, and the auth endpoints, all speaking the
// engine's error taxonomy.
package gateway

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"objectql/internal/admin"
	"objectql/internal/auth"
	"objectql/internal/engine"
)

// New builds the Fiber app wired to the engine. jwtSecret guards every
// route except /health and /api/auth/*.
func New(e *engine.Engine, jwtSecret string) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	auth.RegisterRoutes(app, auth.NewHandler(e, jwtSecret))

	authMW := auth.Middleware(jwtSecret)
	RegisterRoutes(app, NewHandler(e), authMW)
	admin.RegisterRoutes(app, admin.NewHandler(e.Registry(), e.Driver()), authMW, auth.RequireAdmin())

	return app
}

// errorHandler translates engine errors into their HTTP shape; anything
// untyped becomes an opaque 500.
func errorHandler(c *fiber.Ctx, err error) error {
	var appErr *engine.Error
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.Error{
			Code:    engine.CodeInternal,
			Message: "internal server error",
		},
	})
}
