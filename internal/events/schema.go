package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Property types a definition may declare.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// PropertySpec constrains a single property value.
type PropertySpec struct {
	Type      string   `json:"type"`
	Enum      []any    `json:"enum,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// SchemaDefinition describes one (event type, version) pair.
type SchemaDefinition struct {
	EventType  string                  `json:"event_type"`
	Version    string                  `json:"version"`
	Category   string                  `json:"category"`
	Required   []string                `json:"required,omitempty"`
	Properties map[string]PropertySpec `json:"properties"`
}

func (d SchemaDefinition) check() (*semver.Version, error) {
	if !ValidEventType(d.EventType) {
		return nil, fmt.Errorf("invalid event type %q", d.EventType)
	}
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid schema version %q: %w", d.EventType, d.Version, err)
	}
	if d.Category == "" {
		return nil, fmt.Errorf("%s@%s: retention category is required", d.EventType, v)
	}
	for _, name := range d.Required {
		if _, ok := d.Properties[name]; !ok {
			return nil, fmt.Errorf("%s@%s: required property %q is not declared", d.EventType, v, name)
		}
	}
	for name, p := range d.Properties {
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return nil, fmt.Errorf("%s@%s: property %q has unsupported type %q", d.EventType, v, name, p.Type)
		}
		if p.Type != TypeString && (p.MaxLength != nil || p.Pattern != "") {
			return nil, fmt.Errorf("%s@%s: property %q: max_length and pattern apply to strings only", d.EventType, v, name)
		}
		if p.Pattern != "" {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return nil, fmt.Errorf("%s@%s: property %q: %w", d.EventType, v, name, err)
			}
		}
	}
	return v, nil
}

// canonical returns a stable encoding used to compare re-registrations.
func (d SchemaDefinition) canonical(v *semver.Version) ([]byte, error) {
	c := d
	c.Version = v.String()
	c.Required = append([]string(nil), d.Required...)
	sort.Strings(c.Required)
	return json.Marshal(c)
}

func (p PropertySpec) jsonSchema() map[string]any {
	s := map[string]any{"type": p.Type}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.MaxLength != nil {
		s["maxLength"] = *p.MaxLength
	}
	if p.Pattern != "" {
		s["pattern"] = p.Pattern
	}
	return s
}

func compileProperty(eventType, version, name string, p PropertySpec) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(p.jsonSchema())
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gophvault.schemas.local/%s/%s/%s.schema.json", eventType, version, name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("property %q schema load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("property %q schema compile failed: %w", name, err)
	}
	return compiled, nil
}

// violatedKeyword names the failing JSON Schema keyword without echoing the
// offending value.
func violatedKeyword(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "invalid"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.KeywordLocation
	for i := len(loc) - 1; i >= 0; i-- {
		if loc[i] == '/' {
			loc = loc[i+1:]
			break
		}
	}
	if loc == "" {
		return "invalid"
	}
	return "violates " + loc
}
