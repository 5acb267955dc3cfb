package gateway

import (
	"github.com/gofiber/fiber/v2"

	"objectql/internal/auth"
	"objectql/internal/driver"
	"objectql/internal/engine"
	"objectql/internal/query"
)

// Handler dispatches wire requests to the engine. Every request runs in a
// context built from the authenticated user and the X-Space-Id header.
type Handler struct {
	engine *engine.Engine
}

func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// execRequest is the unified operation envelope.
type execRequest struct {
	Op     string   `json:"op"`
	Object string   `json:"object"`
	Args   execArgs `json:"args"`
}

type execArgs struct {
	Query *query.UnifiedQuery `json:"query,omitempty"`
	ID    any                 `json:"id,omitempty"`
	Data  driver.Record       `json:"data,omitempty"`
	Field string              `json:"field,omitempty"`
}

func (h *Handler) context(c *fiber.Ctx) *engine.Context {
	return h.engine.Context(auth.GetUser(c), c.Get("X-Space-Id"))
}

// Exec handles POST /api/objectql.
func (h *Handler) Exec(c *fiber.Ctx) error {
	var req execRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid JSON body")
	}
	if req.Object == "" {
		return engine.NewError("INVALID_PAYLOAD", 400, "object is required")
	}

	ctx := c.Context()
	repo := h.context(c).Object(req.Object)

	switch req.Op {
	case "find":
		res, err := repo.Find(ctx, req.Args.Query)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"data": nonNil(res.Records),
			"meta": fiber.Map{"truncated": res.Truncated},
		})
	case "findOne":
		rec, err := repo.FindOne(ctx, req.Args.ID, req.Args.Query)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": rec})
	case "count":
		n, err := repo.Count(ctx, req.Args.Query)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": n})
	case "aggregate":
		rows, err := repo.Aggregate(ctx, req.Args.Query)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": nonNil(rows)})
	case "distinct":
		vals, err := repo.Distinct(ctx, req.Args.Field, req.Args.Query)
		if err != nil {
			return err
		}
		if vals == nil {
			vals = []any{}
		}
		return c.JSON(fiber.Map{"data": vals})
	case "create":
		rec, err := repo.Create(ctx, req.Args.Data)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rec})
	case "update":
		rec, err := repo.Update(ctx, req.Args.ID, req.Args.Data)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": rec})
	case "delete":
		if err := repo.Delete(ctx, req.Args.ID); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
	}
	return engine.NewError("INVALID_PAYLOAD", 400, "unknown op: "+req.Op)
}

// Query handles POST /api/data/:object/query.
func (h *Handler) Query(c *fiber.Ctx) error {
	var q query.UnifiedQuery
	if err := c.BodyParser(&q); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid JSON body")
	}
	res, err := h.context(c).Object(c.Params("object")).Find(c.Context(), &q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": nonNil(res.Records),
		"meta": fiber.Map{"truncated": res.Truncated},
	})
}

// GetByID handles GET /api/data/:object/:id.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	rec, err := h.context(c).Object(c.Params("object")).FindOne(c.Context(), c.Params("id"), nil)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Create handles POST /api/data/:object.
func (h *Handler) Create(c *fiber.Ctx) error {
	var body driver.Record
	if err := c.BodyParser(&body); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid JSON body")
	}
	rec, err := h.context(c).Object(c.Params("object")).Create(c.Context(), body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rec})
}

// Update handles PUT /api/data/:object/:id.
func (h *Handler) Update(c *fiber.Ctx) error {
	var body driver.Record
	if err := c.BodyParser(&body); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid JSON body")
	}
	rec, err := h.context(c).Object(c.Params("object")).Update(c.Context(), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Delete handles DELETE /api/data/:object/:id.
func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.context(c).Object(c.Params("object")).Delete(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}

// RegisterRoutes registers the protected data routes.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	app.Post("/api/objectql", authMW, h.Exec)

	api := app.Group("/api/data", authMW)
	api.Post("/:object/query", h.Query)
	api.Get("/:object/:id", h.GetByID)
	api.Post("/:object", h.Create)
	api.Put("/:object/:id", h.Update)
	api.Delete("/:object/:id", h.Delete)
}

// nonNil keeps empty result sets as [] in JSON.
func nonNil(rows []driver.Record) []driver.Record {
	if rows == nil {
		return []driver.Record{}
	}
	return rows
}
