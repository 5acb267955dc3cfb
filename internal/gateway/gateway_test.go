package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"objectql/internal/auth"
	"objectql/internal/driver"
	"objectql/internal/driver/memory"
	"objectql/internal/engine"
	"objectql/internal/metadata"
)

const testSecret = "test-secret"

func newTestApp(t *testing.T) (*fiberApp, *memory.Driver) {
	t.Helper()
	reg := metadata.NewRegistry()
	for _, obj := range auth.SystemObjects() {
		if err := reg.RegisterObject(obj); err != nil {
			t.Fatalf("register %s: %v", obj.Name, err)
		}
	}
	tasks := &metadata.ObjectConfig{
		Name: "tasks",
		Fields: []metadata.FieldConfig{
			{Name: "id", Type: metadata.FieldText},
			{Name: "title", Type: metadata.FieldText},
			{Name: "done", Type: metadata.FieldBoolean, Default: false},
		},
		Permissions: &metadata.PermissionConfig{
			Read:   []string{"member"},
			Create: []string{"member"},
			Update: []string{"member"},
			Delete: []string{"manager"},
		},
	}
	if err := reg.RegisterObject(tasks); err != nil {
		t.Fatalf("register tasks: %v", err)
	}

	drv := memory.New()
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	drv.Seed("users",
		driver.Record{
			"id": "u1", "name": "Mel", "email": "mel@example.com",
			"password_hash": hash, "roles": []any{"member"}, "active": true,
		},
		driver.Record{
			"id": "u2", "name": "Root", "email": "root@example.com",
			"password_hash": hash, "roles": []any{"admin"}, "active": true,
		})

	e := engine.New(reg, drv, engine.Options{})
	return &fiberApp{app: New(e, testSecret)}, drv
}

// fiberApp bundles request helpers around the app under test.
type fiberApp struct {
	app *fiber.App
}

func (f *fiberApp) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func (f *fiberApp) login(t *testing.T, email, password string) (access, refresh string) {
	t.Helper()
	status, body := f.do(t, "POST", "/api/auth/login", "", map[string]any{
		"email": email, "password": password,
	})
	if status != 200 {
		t.Fatalf("login status %d: %v", status, body)
	}
	data := body["data"].(map[string]any)
	return data["access_token"].(string), data["refresh_token"].(string)
}

func TestHealth(t *testing.T) {
	f, _ := newTestApp(t)
	status, body := f.do(t, "GET", "/health", "", nil)
	if status != 200 || body["status"] != "ok" {
		t.Fatalf("health: %d %v", status, body)
	}
}

func TestLoginAndProtectedAccess(t *testing.T) {
	f, drv := newTestApp(t)
	drv.Seed("tasks", driver.Record{"id": "t1", "title": "write docs", "done": false})

	// No token: 401 with the error envelope.
	status, body := f.do(t, "POST", "/api/objectql", "", map[string]any{
		"op": "find", "object": "tasks",
	})
	if status != 401 {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != engine.CodeUnauthorized {
		t.Fatalf("error code: %v", errObj)
	}

	access, _ := f.login(t, "mel@example.com", "s3cret")

	status, body = f.do(t, "POST", "/api/objectql", access, map[string]any{
		"op": "find", "object": "tasks",
		"args": map[string]any{
			"query": map[string]any{
				"filters": []any{[]any{"done", "=", false}},
			},
		},
	})
	if status != 200 {
		t.Fatalf("find status %d: %v", status, body)
	}
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected one task, got %v", data)
	}
	meta := body["meta"].(map[string]any)
	if meta["truncated"] != false {
		t.Fatalf("meta: %v", meta)
	}
}

func TestBadCredentials(t *testing.T) {
	f, _ := newTestApp(t)
	status, _ := f.do(t, "POST", "/api/auth/login", "", map[string]any{
		"email": "mel@example.com", "password": "wrong",
	})
	if status != 401 {
		t.Fatalf("expected 401 for bad password, got %d", status)
	}
	status, _ = f.do(t, "POST", "/api/auth/login", "", map[string]any{
		"email": "nobody@example.com", "password": "s3cret",
	})
	if status != 401 {
		t.Fatalf("expected 401 for unknown user, got %d", status)
	}
}

func TestRestCrudRoundTrip(t *testing.T) {
	f, _ := newTestApp(t)
	access, _ := f.login(t, "mel@example.com", "s3cret")

	status, body := f.do(t, "POST", "/api/data/tasks", access, map[string]any{
		"title": "ship it",
	})
	if status != 201 {
		t.Fatalf("create status %d: %v", status, body)
	}
	created := body["data"].(map[string]any)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("no id on created record: %v", created)
	}
	if created["done"] != false {
		t.Fatalf("default not applied: %v", created)
	}

	status, body = f.do(t, "PUT", "/api/data/tasks/"+id, access, map[string]any{
		"done": true,
	})
	if status != 200 {
		t.Fatalf("update status %d: %v", status, body)
	}
	if body["data"].(map[string]any)["done"] != true {
		t.Fatalf("patch not applied: %v", body)
	}

	status, body = f.do(t, "GET", "/api/data/tasks/"+id, access, nil)
	if status != 200 || body["data"].(map[string]any)["title"] != "ship it" {
		t.Fatalf("get status %d: %v", status, body)
	}

	// member lacks the manager delete role.
	status, body = f.do(t, "DELETE", "/api/data/tasks/"+id, access, nil)
	if status != 403 {
		t.Fatalf("expected 403 on delete, got %d %v", status, body)
	}

	status, body = f.do(t, "GET", "/api/data/tasks/missing", access, nil)
	if status != 404 {
		t.Fatalf("expected 404, got %d %v", status, body)
	}
}

func TestRefreshRotation(t *testing.T) {
	f, _ := newTestApp(t)
	_, refresh := f.login(t, "mel@example.com", "s3cret")

	status, body := f.do(t, "POST", "/api/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != 200 {
		t.Fatalf("refresh status %d: %v", status, body)
	}
	next := body["data"].(map[string]any)["refresh_token"].(string)
	if next == refresh {
		t.Fatal("refresh token was not rotated")
	}

	// The used token is dead.
	status, _ = f.do(t, "POST", "/api/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != 401 {
		t.Fatalf("expected 401 reusing rotated token, got %d", status)
	}

	// The new one works.
	status, _ = f.do(t, "POST", "/api/auth/refresh", "", map[string]any{
		"refresh_token": next,
	})
	if status != 200 {
		t.Fatalf("rotated token should work, got %d", status)
	}
}

func TestLogoutRevokesRefresh(t *testing.T) {
	f, _ := newTestApp(t)
	_, refresh := f.login(t, "mel@example.com", "s3cret")

	status, _ := f.do(t, "POST", "/api/auth/logout", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != 200 {
		t.Fatalf("logout status %d", status)
	}
	status, _ = f.do(t, "POST", "/api/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != 401 {
		t.Fatalf("expected 401 after logout, got %d", status)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f, _ := newTestApp(t)

	member, _ := f.login(t, "mel@example.com", "s3cret")
	status, _ := f.do(t, "GET", "/api/_admin/objects", member, nil)
	if status != 403 {
		t.Fatalf("member should get 403, got %d", status)
	}

	root, _ := f.login(t, "root@example.com", "s3cret")
	status, body := f.do(t, "GET", "/api/_admin/objects", root, nil)
	if status != 200 {
		t.Fatalf("admin list status %d: %v", status, body)
	}
	if len(body["data"].([]any)) != 3 {
		t.Fatalf("expected users, refresh_tokens, tasks: %v", body["data"])
	}

	status, body = f.do(t, "POST", "/api/_admin/objects", root, map[string]any{
		"name": "notes",
		"fields": []any{
			map[string]any{"name": "id", "type": "text"},
			map[string]any{"name": "body", "type": "text"},
		},
	})
	if status != 201 {
		t.Fatalf("register object status %d: %v", status, body)
	}

	status, body = f.do(t, "GET", "/api/_admin/objects/notes", root, nil)
	if status != 200 {
		t.Fatalf("get object status %d: %v", status, body)
	}

	// Invalid configs are rejected by registry validation.
	status, _ = f.do(t, "POST", "/api/_admin/objects", root, map[string]any{
		"name": "bad",
		"fields": []any{
			map[string]any{"name": "x", "type": "nope"},
		},
	})
	if status != 422 {
		t.Fatalf("expected 422 for bad field type, got %d", status)
	}
}

func TestUnknownOp(t *testing.T) {
	f, _ := newTestApp(t)
	access, _ := f.login(t, "mel@example.com", "s3cret")
	status, body := f.do(t, "POST", "/api/objectql", access, map[string]any{
		"op": "explode", "object": "tasks",
	})
	if status != 400 {
		t.Fatalf("expected 400 for unknown op, got %d %v", status, body)
	}
}
