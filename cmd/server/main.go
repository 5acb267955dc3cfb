package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"objectql/internal/auth"
	"objectql/internal/config"
	"objectql/internal/driver"
	"objectql/internal/driver/memory"
	"objectql/internal/driver/sqldriver"
	"objectql/internal/engine"
	"objectql/internal/gateway"
	"objectql/internal/metadata"
	"objectql/internal/rules"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	reg := metadata.NewRegistry()
	reg.AddValidator(rules.CompileAll)
	for _, obj := range auth.SystemObjects() {
		if err := reg.RegisterObject(obj); err != nil {
			log.Fatalf("Failed to register %s: %v", obj.Name, err)
		}
	}
	n, err := loadObjects(reg, cfg.ObjectsPath)
	if err != nil {
		log.Fatalf("Failed to load object definitions: %v", err)
	}
	log.Printf("Registered %d objects from %s", n, cfg.ObjectsPath)

	drv, err := openDriver(ctx, cfg, reg)
	if err != nil {
		log.Fatalf("Failed to open storage driver: %v", err)
	}

	e := engine.New(reg, drv, engine.Options{
		MaxLimit:       cfg.Engine.MaxLimit,
		FormulaTimeout: cfg.Engine.FormulaTimeout(),
	})

	app := gateway.New(e, cfg.JWTSecret)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

// openDriver builds the configured storage backend. SQL backends get
// their tables created/extended from the registered object configs.
func openDriver(ctx context.Context, cfg *config.Config, reg *metadata.Registry) (driver.Driver, error) {
	switch cfg.Database.Driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite", "postgres":
		d, err := sqldriver.Open(ctx, cfg.Database.Driver, cfg.Database.DSN(), reg)
		if err != nil {
			return nil, err
		}
		if err := d.SyncSchema(ctx); err != nil {
			return nil, fmt.Errorf("sync schema: %w", err)
		}
		log.Println("Schema synced")
		return d, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// loadObjects registers every *.json object definition found in dir. A
// missing directory is not an error: the process can run on system
// objects alone.
func loadObjects(reg *metadata.Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return count, err
		}
		var obj metadata.ObjectConfig
		if err := json.Unmarshal(raw, &obj); err != nil {
			return count, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := reg.RegisterObject(&obj); err != nil {
			return count, fmt.Errorf("register %s: %w", path, err)
		}
		count++
	}
	return count, nil
}
