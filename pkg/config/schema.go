package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Schema names registered by default.
const (
	SchemaConfig = "config"
)

// SchemaRegistry holds compiled CUE schemas keyed by name.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

var defaultSchemas = NewSchemaRegistry()

// DefaultSchemas returns the registry used by Config.Validate.
func DefaultSchemas() *SchemaRegistry { return defaultSchemas }

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.Register(SchemaConfig, builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	return sr
}

// Register compiles src and stores the definition def under name.
func (sr *SchemaRegistry) Register(name, src, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def != "" {
		val = val.LookupPath(cue.ParsePath(def))
		if err := val.Err(); err != nil {
			return fmt.Errorf("schema %s has no definition %s: %w", name, def, err)
		}
	}
	sr.schemas[name] = val
	return nil
}

// Lookup returns a schema by name.
func (sr *SchemaRegistry) Lookup(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// Names lists the registered schemas.
func (sr *SchemaRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate unifies data with the named schema. data is rendered through its
// YAML tags first so the schema sees the same field names as a config file.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	schema, ok := sr.Lookup(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}
	doc, err := toDocument(data)
	if err != nil {
		return err
	}

	// cue.Context is not safe for concurrent evaluation.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode %s document: %w", name, err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: name, Errors: convertCUEErrors(err)}
	}
	return nil
}

func toDocument(data interface{}) (map[string]interface{}, error) {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// cueToYAML evaluates a CUE config file and exports it. JSON output is valid
// YAML, so the result feeds straight into decodeYAML.
func cueToYAML(path string, data []byte) ([]byte, error) {
	defaultSchemas.mu.Lock()
	defer defaultSchemas.mu.Unlock()

	val := defaultSchemas.ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, &SchemaError{Schema: SchemaConfig, Errors: convertCUEErrors(err)}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &SchemaError{Schema: SchemaConfig, Errors: convertCUEErrors(err)}
	}
	out, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return out, nil
}

// ValidationError locates one schema violation.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// SchemaError is returned when a document does not satisfy a schema.
type SchemaError struct {
	Schema string
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("%s schema validation failed: %s", e.Schema, strings.Join(msgs, "; "))
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	store: {
		driver: "sqlite" | "postgres"
		dsn:    string & != ""
		...
	}

	broker: {
		backend:             "memory" | "redis" | "kafka"
		visibility_timeout?: #Duration
		if backend == "redis" {
			redis: {addr: string & != "", ...}
		}
		if backend == "kafka" {
			kafka: {brokers: [string, ...string], ...}
		}
		...
	}

	telemetry: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | ""
			format?: "console" | "json" | ""
			...
		}
		...
	}

	engines?: {
		enabled?: [...("emr" | "dynamodb" | "redshift")] | null
		...
	}

	worker: {
		queues?: [...("actions" | "triggers" | "subscriptions")] | null
		...
	}
	...
}
`
