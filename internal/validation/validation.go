// Package validation schema-validates capability method params and
// results. It defines a narrow SchemaValidator interface so the SDK
// never hard-depends on one schema engine, plus a default implementation
// on top of github.com/santhosh-tekuri/jsonschema/v5 for workers and
// pipeline middleware that do want compile-time-checked payloads.
package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator validates an arbitrary decoded JSON value against the
// schema registered for a capability method.
type SchemaValidator interface {
	// Validate returns nil if value conforms to the schema registered
	// under (capability, method, kind). kind is typically "params" or
	// "result". An unregistered (capability, method, kind) is treated as
	// unvalidated and always passes.
	Validate(capability, method, kind string, value any) error
}

// NoopValidator accepts everything; the zero value for SDKs that don't
// wire schema validation.
type NoopValidator struct{}

func (NoopValidator) Validate(string, string, string, any) error { return nil }

// JSONSchemaValidator compiles and caches schemas per (capability,
// method, kind), keyed by a synthetic URL so jsonschema/v5's resource
// resolution has something to anchor $ref against.
type JSONSchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates an empty validator; call Register to
// load schemas before use.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(capability, method, kind string) string {
	return capability + "|" + method + "|" + kind
}

// Register compiles schemaJSON (a JSON Schema document) and binds it to
// (capability, method, kind). Returns a compile error if schemaJSON is
// malformed or violates the Draft 2020-12 meta-schema.
func (v *JSONSchemaValidator) Register(capability, method, kind string, schemaJSON string) error {
	key := schemaKey(capability, method, kind)
	url := fmt.Sprintf("https://capctl.local/schemas/%s.json", strings.ReplaceAll(key, "|", "/"))

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validation: loading schema for %s: %w", key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("validation: compiling schema for %s: %w", key, err)
	}

	v.mu.Lock()
	v.schemas[key] = compiled
	v.mu.Unlock()
	return nil
}

// Validate implements SchemaValidator.
func (v *JSONSchemaValidator) Validate(capability, method, kind string, value any) error {
	v.mu.RLock()
	schema, ok := v.schemas[schemaKey(capability, method, kind)]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.Validate(value)
}
