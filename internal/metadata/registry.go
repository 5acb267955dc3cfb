package metadata

import (
	"fmt"
	"sync"

	"objectql/internal/formula"
)

// Registry is the single source of truth for object schemas. It is
// read-mostly after initialization; registration happens during startup
// and plugin load/unload, which the host serializes. It is always passed
// explicitly, never reached through a package-level singleton.
type Registry struct {
	mu         sync.RWMutex
	objects    map[string]*ObjectConfig
	validators []func(*ObjectConfig) error
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[string]*ObjectConfig)}
}

// GetObject returns the object with the given name, or nil.
func (r *Registry) GetObject(name string) *ObjectConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[name]
}

// AllObjects returns all registered objects.
func (r *Registry) AllObjects() []*ObjectConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objects := make([]*ObjectConfig, 0, len(r.objects))
	for _, o := range r.objects {
		objects = append(objects, o)
	}
	return objects
}

// RegisterObject validates and registers an object config. Validation is
// strict at registration so that query-time code can assume a well-formed
// schema; in particular a formula field referencing another formula field
// on the same object is rejected here, never discovered at query time.
func (r *Registry) RegisterObject(cfg *ObjectConfig) error {
	if cfg == nil || cfg.Name == "" {
		return fmt.Errorf("register object: missing name")
	}
	if cfg.Table == "" {
		cfg.Table = cfg.Name
	}
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}

	seen := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if f.Name == "" {
			return fmt.Errorf("register object %s: field with empty name", cfg.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("register object %s: duplicate field %q", cfg.Name, f.Name)
		}
		seen[f.Name] = true
		if !IsValidFieldType(f.Type) {
			return fmt.Errorf("register object %s: field %q has unknown type %q", cfg.Name, f.Name, f.Type)
		}
		if f.Type == FieldLookup && f.Reference == "" {
			return fmt.Errorf("register object %s: lookup field %q has no reference", cfg.Name, f.Name)
		}
	}

	if err := validateFormulaFields(cfg); err != nil {
		return err
	}
	if err := validateRules(cfg); err != nil {
		return err
	}
	for _, validate := range r.extraValidators() {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("register object %s: %w", cfg.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[cfg.Name] = cfg
	return nil
}

// AddValidator appends a validation step that runs on every subsequent
// RegisterObject call. Hosts use it for checks this package cannot perform
// itself, such as compiling rule expressions that live downstream.
func (r *Registry) AddValidator(fn func(*ObjectConfig) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, fn)
}

func (r *Registry) extraValidators() []func(*ObjectConfig) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators
}

// UnregisterPackage removes every object owned by the given package.
func (r *Registry) UnregisterPackage(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, o := range r.objects {
		if o.Package == pkg {
			delete(r.objects, name)
		}
	}
}

func validateFormulaFields(cfg *ObjectConfig) error {
	formulaSet := cfg.formulaFieldSet()
	for _, f := range cfg.Fields {
		if f.Type != FieldFormula {
			continue
		}
		if f.Formula == nil || f.Formula.Expression == "" {
			return fmt.Errorf("register object %s: formula field %q has no expression", cfg.Name, f.Name)
		}
		if !formula.IsValidDataType(f.Formula.DataType) {
			return fmt.Errorf("register object %s: formula field %q has invalid data type %q",
				cfg.Name, f.Name, f.Formula.DataType)
		}
		deps, err := formula.ExtractFields(f.Formula.Expression)
		if err != nil {
			return fmt.Errorf("register object %s: formula field %q: %w", cfg.Name, f.Name, err)
		}
		for _, dep := range deps {
			if dep == f.Name {
				return fmt.Errorf("register object %s: formula field %q references itself", cfg.Name, f.Name)
			}
			if formulaSet[dep] {
				return fmt.Errorf("register object %s: formula field %q references formula field %q",
					cfg.Name, f.Name, dep)
			}
		}
	}
	return nil
}

func validateRules(cfg *ObjectConfig) error {
	for i, rule := range cfg.Rules {
		switch rule.Type {
		case RuleField:
			if rule.Field == "" || rule.Operator == "" {
				return fmt.Errorf("register object %s: field rule %d needs field and operator", cfg.Name, i)
			}
		case RuleExpression:
			if rule.Expression == "" {
				return fmt.Errorf("register object %s: expression rule %d has no expression", cfg.Name, i)
			}
		case RuleComputed:
			if rule.Field == "" || rule.Expression == "" {
				return fmt.Errorf("register object %s: computed rule %d needs field and expression", cfg.Name, i)
			}
		default:
			return fmt.Errorf("register object %s: rule %d has unknown type %q", cfg.Name, i, rule.Type)
		}
	}
	return nil
}
