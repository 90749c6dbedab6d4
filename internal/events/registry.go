package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaKey struct {
	eventType string
	version   string
}

type entry struct {
	def       SchemaDefinition
	canonical []byte
	props     map[string]*jsonschema.Schema
	enums     map[string]bool
	required  map[string]bool
}

// Result is the outcome of a successful Validate call.
type Result struct {
	Properties  map[string]any
	ContainsPII bool
	Findings    []Finding
	Category    string
	// Version is the canonical form of the requested schema version.
	Version string
}

// Registry holds compiled schema definitions. Registration is expected at
// startup; Validate is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[schemaKey]*entry
	detectors []Detector
	log       logging.Logger
}

type Option func(*Registry)

// WithDetectors replaces the builtin PII detectors.
func WithDetectors(d ...Detector) Option {
	return func(r *Registry) { r.detectors = d }
}

func NewRegistry(log logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[schemaKey]*entry),
		detectors: DefaultDetectors(),
		log:       log.With("component", "events.registry"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a definition. Registering an identical definition again is
// a no-op; a different definition under the same key fails with
// common.ErrConflictingSchema.
func (r *Registry) Register(def SchemaDefinition) error {
	v, err := def.check()
	if err != nil {
		return err
	}
	canonical, err := def.canonical(v)
	if err != nil {
		return fmt.Errorf("%s@%s: %w", def.EventType, v, err)
	}
	key := schemaKey{eventType: def.EventType, version: v.String()}

	r.mu.RLock()
	existing, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		if bytes.Equal(existing.canonical, canonical) {
			return nil
		}
		return fmt.Errorf("%w: %s@%s", common.ErrConflictingSchema, key.eventType, key.version)
	}

	e := &entry{
		def:       def,
		canonical: canonical,
		props:     make(map[string]*jsonschema.Schema, len(def.Properties)),
		enums:     make(map[string]bool),
		required:  make(map[string]bool, len(def.Required)),
	}
	e.def.Version = key.version
	for _, name := range def.Required {
		e.required[name] = true
	}
	for name, p := range def.Properties {
		compiled, err := compileProperty(key.eventType, key.version, name, p)
		if err != nil {
			return fmt.Errorf("%s@%s: %w", key.eventType, key.version, err)
		}
		e.props[name] = compiled
		if len(p.Enum) > 0 {
			e.enums[name] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		if bytes.Equal(existing.canonical, canonical) {
			return nil
		}
		return fmt.Errorf("%w: %s@%s", common.ErrConflictingSchema, key.eventType, key.version)
	}
	r.entries[key] = e
	r.log.Info(context.Background(), "schema registered",
		"event_type", key.eventType, "version", key.version, "category", def.Category)
	return nil
}

// LoadDefinitions registers every definition of a JSON array.
func (r *Registry) LoadDefinitions(rd io.Reader) error {
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	var defs []SchemaDefinition
	if err := dec.Decode(&defs); err != nil {
		return fmt.Errorf("decode schema definitions: %w", err)
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the registered definitions ordered by type and
// version.
func (r *Registry) Definitions() []SchemaDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SchemaDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (r *Registry) lookup(eventType, schemaVersion string) (*entry, error) {
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s", common.ErrUnknownEventType, eventType, schemaVersion)
	}
	r.mu.RLock()
	e, ok := r.entries[schemaKey{eventType: eventType, version: v.String()}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", common.ErrUnknownEventType, eventType, v)
	}
	return e, nil
}

// Validate checks properties against the definition of (eventType,
// schemaVersion) and scans string values for PII. The input map is not
// modified; Result.Properties is a sanitized copy.
//
// Checks run in this order: unknown type or version, missing required,
// extra properties, per-property constraints, PII. In lenient mode a
// masked value must still satisfy its property schema; otherwise an
// optional property is dropped and a required one is rejected.
func (r *Registry) Validate(eventType, schemaVersion string, properties map[string]any, mode Mode) (Result, error) {
	e, err := r.lookup(eventType, schemaVersion)
	if err != nil {
		return Result{}, err
	}

	props, err := canonicalize(properties)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: properties are not valid JSON: %v", common.ErrSchemaViolation, eventType, err)
	}

	for _, name := range sortedCopy(e.def.Required) {
		if _, ok := props[name]; !ok {
			return Result{}, common.NewFieldError(common.ErrSchemaViolation, name, "required property missing")
		}
	}
	for _, name := range sortedKeys(props) {
		if _, ok := e.props[name]; !ok {
			return Result{}, common.NewFieldError(common.ErrSchemaViolation, name, "property not declared in schema")
		}
	}
	for _, name := range sortedKeys(props) {
		if err := e.props[name].Validate(props[name]); err != nil {
			var ve *jsonschema.ValidationError
			if !errors.As(err, &ve) {
				return Result{}, fmt.Errorf("validate %s.%s: %w", eventType, name, err)
			}
			return Result{}, common.NewFieldError(common.ErrSchemaViolation, name, violatedKeyword(ve))
		}
	}

	res := Result{Properties: props, Category: e.def.Category, Version: e.def.Version}
	for _, name := range sortedKeys(props) {
		if e.enums[name] {
			continue
		}
		detector, found := scan(r.detectors, props[name])
		if !found {
			continue
		}
		if mode == ModeStrict {
			r.log.Warn(context.Background(), "event rejected: pii detected",
				"event_type", eventType, "field", name, "detector", detector)
			return Result{}, common.NewFieldError(common.ErrPIIDetected, name, "matched "+detector)
		}
		res.ContainsPII = true
		masked := redacted(detector)
		if err := e.props[name].Validate(masked); err != nil {
			// The mask itself breaks the property's constraints: drop the
			// property when optional, reject otherwise.
			if e.required[name] {
				r.log.Warn(context.Background(), "event rejected: masked value violates schema",
					"event_type", eventType, "field", name, "detector", detector)
				return Result{}, common.NewFieldError(common.ErrPIIDetected, name, "matched "+detector+"; mask violates schema")
			}
			r.log.Warn(context.Background(), "pii dropped",
				"event_type", eventType, "field", name, "detector", detector)
			delete(props, name)
			res.Findings = append(res.Findings, Finding{Field: name, Detector: detector, Dropped: true})
			continue
		}
		r.log.Warn(context.Background(), "pii masked",
			"event_type", eventType, "field", name, "detector", detector)
		props[name] = masked
		res.Findings = append(res.Findings, Finding{Field: name, Detector: detector})
	}
	return res, nil
}

// canonicalize deep-copies properties through JSON so numbers arrive as
// json.Number regardless of the caller's Go types.
func canonicalize(properties map[string]any) (map[string]any, error) {
	if properties == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
