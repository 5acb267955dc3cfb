package auth

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"objectql/internal/driver"
	"objectql/internal/engine"
	"objectql/internal/filter"
	"objectql/internal/query"
)

// Handler serves the authentication endpoints. All storage access goes
// through a system context so the endpoints work regardless of the
// caller's (absent) permissions.
type Handler struct {
	engine    *engine.Engine
	jwtSecret string
}

func NewHandler(e *engine.Engine, jwtSecret string) *Handler {
	return &Handler{engine: e, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("email and password are required")
	}

	ctx := c.Context()
	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return engine.UnauthorizedError("invalid email or password")
	}
	if active, ok := user["active"].(bool); ok && !active {
		return engine.UnauthorizedError("account is disabled")
	}
	hash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, hash) {
		return engine.UnauthorizedError("invalid email or password")
	}

	userID, _ := user["id"].(string)
	pair, err := h.issueTokens(ctx, userID, extractRoles(user["roles"]))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. Tokens are single-use: the
// presented token is deleted and a fresh pair issued.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("refresh token is required")
	}

	ctx := c.Context()
	sys := h.engine.SystemContext()
	rows, err := sys.Object("refresh_tokens").Find(ctx, &query.UnifiedQuery{
		Filters: filter.Expression{filter.Where("token", filter.OpEq, body.RefreshToken)},
		Top:     1,
	})
	if err != nil || len(rows.Records) == 0 {
		return engine.UnauthorizedError("invalid refresh token")
	}
	row := rows.Records[0]

	if expired(row["expires_at"]) {
		_ = sys.Object("refresh_tokens").Delete(ctx, row["id"])
		return engine.UnauthorizedError("refresh token expired")
	}

	user, err := sys.Object("users").FindOne(ctx, row["user_id"], nil)
	if err != nil {
		return engine.UnauthorizedError("invalid refresh token")
	}
	if active, ok := user["active"].(bool); ok && !active {
		return engine.UnauthorizedError("account is disabled")
	}

	// Rotation: the used token is gone before the new one exists.
	if err := sys.Object("refresh_tokens").Delete(ctx, row["id"]); err != nil {
		return engine.UnauthorizedError("invalid refresh token")
	}

	userID, _ := user["id"].(string)
	pair, err := h.issueTokens(ctx, userID, extractRoles(user["roles"]))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewError("INVALID_PAYLOAD", 400, "invalid request body")
	}
	if body.RefreshToken != "" {
		ctx := c.Context()
		sys := h.engine.SystemContext()
		rows, err := sys.Object("refresh_tokens").Find(ctx, &query.UnifiedQuery{
			Filters: filter.Expression{filter.Where("token", filter.OpEq, body.RefreshToken)},
			Top:     1,
		})
		if err == nil && len(rows.Records) > 0 {
			_ = sys.Object("refresh_tokens").Delete(ctx, rows.Records[0]["id"])
		}
	}
	return c.JSON(fiber.Map{"message": "logged out"})
}

// RegisterRoutes registers the auth routes on the given Fiber app.
func RegisterRoutes(app *fiber.App, h *Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
}

// --- helpers ---

func (h *Handler) findUserByEmail(ctx context.Context, email string) (driver.Record, error) {
	res, err := h.engine.SystemContext().Object("users").Find(ctx, &query.UnifiedQuery{
		Filters: filter.Expression{filter.Where("email", filter.OpEq, email)},
		Top:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, engine.UnauthorizedError("no such user")
	}
	return res.Records[0], nil
}

func (h *Handler) issueTokens(ctx context.Context, userID string, roles []string) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, roles, h.jwtSecret)
	if err != nil {
		return nil, engine.NewError(engine.CodeInternal, 500, "failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	_, err = h.engine.SystemContext().Object("refresh_tokens").Create(ctx, driver.Record{
		"user_id":    userID,
		"token":      refreshToken,
		"expires_at": time.Now().Add(RefreshTokenTTL).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, engine.NewError(engine.CodeInternal, 500, "failed to store refresh token")
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// expired handles both time.Time (memory driver, postgres) and RFC3339
// strings (sqlite TEXT columns). Unparseable values count as expired.
func expired(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return time.Now().After(t)
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return true
		}
		return time.Now().After(parsed)
	}
	return true
}

func extractRoles(v any) []string {
	switch roles := v.(type) {
	case []string:
		return roles
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}
