// Package schema holds the per-tool.action argument schemas and capability
// manifests. Validation failures are reported as stable tokens derived from
// the violated JSON-schema keyword, so an upstream model can correct its
// call deterministically.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/intellibrowse/gateway/pkg/gateway"
)

// Registry maps "tool.action" to a compiled schema and optional manifest.
// Loaded once at startup; reads afterwards are lock-free beyond an RLock.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[string]*jsonschema.Schema
	manifests map[string]*gateway.Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:   make(map[string]*jsonschema.Schema),
		manifests: make(map[string]*gateway.Manifest),
	}
}

// Register compiles and stores the argument schema for one tool.action.
func (r *Registry) Register(toolAction string, schemaJSON []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gateway.schemas.local/%s.schema.json", toolAction)
	if err := c.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return fmt.Errorf("schema: load %s: %w", toolAction, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", toolAction, err)
	}

	r.mu.Lock()
	r.schemas[toolAction] = compiled
	r.mu.Unlock()
	return nil
}

// RegisterManifest stores a capability manifest.
func (r *Registry) RegisterManifest(m gateway.Manifest) {
	r.mu.Lock()
	clone := m
	r.manifests[m.Qualified()] = &clone
	r.mu.Unlock()
}

// LoadDir reads *.schema.json and *.manifest.json from dir. Schema files
// are named "<tool>.<action>.schema.json". A missing directory is empty,
// not an error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("schema: read dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, ".schema.json"):
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("schema: read %s: %w", name, err)
			}
			toolAction := strings.TrimSuffix(name, ".schema.json")
			if err := r.Register(toolAction, data); err != nil {
				return err
			}
		case strings.HasSuffix(name, ".manifest.json"):
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("schema: read %s: %w", name, err)
			}
			var m gateway.Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("schema: parse %s: %w", name, err)
			}
			r.RegisterManifest(m)
		}
	}
	return nil
}

// Known reports whether a schema exists for tool.action.
func (r *Registry) Known(toolAction string) bool {
	r.mu.RLock()
	_, ok := r.schemas[toolAction]
	r.mu.RUnlock()
	return ok
}

// Actions lists every registered tool.action, for the health surface.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	return out
}

// Manifest returns the manifest for tool.action, if declared.
func (r *Registry) Manifest(toolAction string) (*gateway.Manifest, bool) {
	r.mu.RLock()
	m, ok := r.manifests[toolAction]
	r.mu.RUnlock()
	return m, ok
}

// Validate checks args against the registered schema. A nil return means
// valid. Unknown tool.action must be checked with Known first; validating
// an unregistered action is a programming error.
func (r *Registry) Validate(toolAction string, args map[string]any) []gateway.ValidationError {
	r.mu.RLock()
	compiled, ok := r.schemas[toolAction]
	r.mu.RUnlock()
	if !ok {
		return []gateway.ValidationError{{
			Token:   gateway.TokenSchema,
			Pointer: "",
			Message: "no schema registered for " + toolAction,
		}}
	}

	// The validator wants plain JSON values.
	var payload any = map[string]any{}
	if args != nil {
		payload = normalize(args)
	}

	err := compiled.Validate(payload)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []gateway.ValidationError{{
			Token:   gateway.TokenSchema,
			Pointer: "",
			Message: err.Error(),
		}}
	}
	return flatten(ve)
}

// normalize round-trips args through JSON so numbers become float64 and
// nested structs become maps, matching what the validator expects.
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

// flatten walks the cause tree collecting leaf violations in a stable
// order (the validator reports causes deterministically for a given input).
func flatten(ve *jsonschema.ValidationError) []gateway.ValidationError {
	if len(ve.Causes) == 0 {
		return []gateway.ValidationError{{
			Token:   tokenForKeyword(keywordOf(ve.KeywordLocation)),
			Pointer: pointerOf(ve),
			Message: ve.Message,
		}}
	}
	var out []gateway.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

// keywordOf extracts the final keyword segment of a keyword location like
// "/properties/path/type".
func keywordOf(loc string) string {
	parts := strings.Split(loc, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// pointerOf derives the JSON pointer into args. Required-property failures
// are reported at the missing property, not at the parent object.
func pointerOf(ve *jsonschema.ValidationError) string {
	ptr := ve.InstanceLocation
	if keywordOf(ve.KeywordLocation) == "required" {
		// Message shape: missing properties: 'path'
		if i := strings.Index(ve.Message, "'"); i >= 0 {
			rest := ve.Message[i+1:]
			if j := strings.Index(rest, "'"); j >= 0 {
				ptr = ptr + "/" + rest[:j]
			}
		}
	}
	if ptr == "" {
		ptr = "/"
	}
	return ptr
}

// tokenForKeyword maps schema keywords onto the closed token set shared
// with upstream models. Unknown keywords collapse to ERR_SCHEMA.
func tokenForKeyword(keyword string) string {
	switch keyword {
	case "required":
		return gateway.TokenRequired
	case "type":
		return gateway.TokenType
	case "enum", "const":
		return gateway.TokenEnum
	case "pattern":
		return gateway.TokenPattern
	case "additionalProperties", "unevaluatedProperties":
		return gateway.TokenAdditional
	case "maxLength":
		return gateway.TokenMaxLength
	case "minLength":
		return gateway.TokenMinLength
	case "maximum", "exclusiveMaximum", "maxItems":
		return gateway.TokenMaximum
	case "minimum", "exclusiveMinimum", "minItems":
		return gateway.TokenMinimum
	case "format":
		return gateway.TokenFormat
	default:
		return gateway.TokenSchema
	}
}
