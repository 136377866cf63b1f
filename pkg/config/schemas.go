package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

var defaultSchemas = sync.OnceValue(NewSchemaRegistry)

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("file", builtinFileSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("settings", builtinSettingsSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles schema and stores it under name. When the source
// declares a definition named after the schema ("file" -> #File), that
// definition is the schema; otherwise the whole value is.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if name != "" {
		path := cue.ParsePath("#" + strings.ToUpper(name[:1]) + name[1:])
		if def := val.LookupPath(path); path.Err() == nil && def.Exists() {
			val = def
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinFileSchema = `
#Entry:    =~"^[^\\s=]+(==[^\\s=]+)?$"
#Override: "config" | "system" | "ask" | "prefer-config" | "prefer-system"

#File: {
	version: 1

	brew?:  [...#Entry]
	pipx?:  [...#Entry]
	pyenv?: [...#Entry]
	mas?:   [...=~"^[0-9]+(==[^\\s=]+)?$"]
	npm?:   [...#Entry]

	// Paths below the home directory.
	configs?: [...string & !="" & !~"^(/|~)"]

	defaults?: {[string]: {[string]: _}}
	track?: {[string]: [...string & !=""]}

	policy?: {
		default?:     #Override
		items?:       #Override
		preferences?: #Override
	}

	generators?: [...string & !=""]
}
`

const builtinSettingsSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Settings: {
	config?:   string
	database?: string

	executor?: {
		max_retries?:    int & >=0 & <=10
		base_backoff?:   #Duration
		max_backoff?:    #Duration
		action_timeout?: #Duration
		max_parallel?:   int & >=0
	}
	collect_timeout?: #Duration

	log?: {
		level?:  "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
		file?:   string
	}

	metrics?: {
		textfile?: string
		listen?:   string
	}

	tracing?: {
		exporter?: "none" | "stdout" | "otlp"
		endpoint?: string
	}

	policies?: [...string]
	protected_items?: [...string]
	protected_domains?: [...string]
}
`
