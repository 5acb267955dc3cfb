// Package admin exposes the metadata registry over HTTP for operators:
// inspecting registered objects, registering new ones at runtime, and
// unloading packages. All routes require the admin role.
package admin

import (
	"sort"

	"github.com/gofiber/fiber/v2"

	"objectql/internal/driver"
	"objectql/internal/engine"
	"objectql/internal/metadata"
)

type Handler struct {
	registry *metadata.Registry
	driver   driver.Driver
}

func NewHandler(reg *metadata.Registry, drv driver.Driver) *Handler {
	return &Handler{registry: reg, driver: drv}
}

// RegisterRoutes mounts the admin surface. Both middlewares are applied
// to every route: auth first, then the admin-role check.
func RegisterRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	grp := app.Group("/api/_admin", authMW, adminMW)

	grp.Get("/objects", h.ListObjects)
	grp.Get("/objects/:name", h.GetObject)
	grp.Post("/objects", h.RegisterObject)
	grp.Delete("/packages/:pkg", h.UnregisterPackage)
	grp.Get("/schema", h.Schema)
}

// ListObjects handles GET /api/_admin/objects.
func (h *Handler) ListObjects(c *fiber.Ctx) error {
	objects := h.registry.AllObjects()
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })

	type summary struct {
		Name    string `json:"name"`
		Label   string `json:"label,omitempty"`
		Package string `json:"package,omitempty"`
		Fields  int    `json:"fields"`
	}
	out := make([]summary, len(objects))
	for i, o := range objects {
		out[i] = summary{Name: o.Name, Label: o.Label, Package: o.Package, Fields: len(o.Fields)}
	}
	return c.JSON(fiber.Map{"data": out})
}

// GetObject handles GET /api/_admin/objects/:name and returns the full
// config, permissions and rules included.
func (h *Handler) GetObject(c *fiber.Ctx) error {
	name := c.Params("name")
	obj := h.registry.GetObject(name)
	if obj == nil {
		return engine.NewError(engine.CodeNotFound, 404, "unknown object: "+name)
	}
	return c.JSON(fiber.Map{"data": obj})
}

// RegisterObject handles POST /api/_admin/objects. Registration runs the
// registry's full validation, so a rejected config never becomes
// queryable. SQL backends pick the new object up on the next schema sync.
func (h *Handler) RegisterObject(c *fiber.Ctx) error {
	var cfg metadata.ObjectConfig
	if err := c.BodyParser(&cfg); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid JSON body")
	}
	if err := h.registry.RegisterObject(&cfg); err != nil {
		return engine.NewError(engine.CodeValidation, 422, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": cfg})
}

// Schema handles GET /api/_admin/schema: the live database schema as the
// driver reports it. Backends without introspection answer 404.
func (h *Handler) Schema(c *fiber.Ctx) error {
	in, ok := h.driver.(driver.SchemaIntrospector)
	if !ok {
		return engine.NewError(engine.CodeNotFound, 404, "storage driver does not support schema introspection")
	}
	schema, err := in.IntrospectSchema(c.Context())
	if err != nil {
		return engine.NewError(engine.CodeDatabase, 500, err.Error())
	}
	return c.JSON(fiber.Map{"data": schema})
}

// UnregisterPackage handles DELETE /api/_admin/packages/:pkg.
func (h *Handler) UnregisterPackage(c *fiber.Ctx) error {
	pkg := c.Params("pkg")
	h.registry.UnregisterPackage(pkg)
	return c.JSON(fiber.Map{"data": fiber.Map{"package": pkg, "unregistered": true}})
}
