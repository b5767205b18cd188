package nodetype

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrInvalidProperties = errors.New("invalid node properties")
)

// PropertyValidator checks a node's complete property set against its node type.
type PropertyValidator interface {
	ValidateProperties(nodeType string, properties map[string]string) error
}

// AllowAll accepts every node type and property set.
type AllowAll struct{}

func (AllowAll) ValidateProperties(string, map[string]string) error { return nil }

// SchemaValidator validates properties with one JSON schema per node type.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	// Strict rejects node types without a registered schema.
	Strict bool
}

func NewSchemaValidator(strict bool) *SchemaValidator {
	return &SchemaValidator{schemas: map[string]*jsonschema.Schema{}, Strict: strict}
}

// LoadDir registers every <NodeType>.json file in dir.
func LoadDir(dir string, strict bool) (*SchemaValidator, error) {
	v := NewSchemaValidator(strict)
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := v.Register(name, raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *SchemaValidator) Register(nodeType string, schema []byte) error {
	if strings.TrimSpace(nodeType) == "" {
		return fmt.Errorf("register schema: empty node type")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", nodeType, err)
	}
	loc := "https://contentrepo.invalid/nodetypes/" + url.PathEscape(nodeType) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", nodeType, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", nodeType, err)
	}
	v.mu.Lock()
	v.schemas[nodeType] = compiled
	v.mu.Unlock()
	return nil
}

func (v *SchemaValidator) ValidateProperties(nodeType string, properties map[string]string) error {
	v.mu.RLock()
	schema, ok := v.schemas[nodeType]
	v.mu.RUnlock()
	if !ok {
		if v.Strict {
			return fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
		}
		return nil
	}
	instance := make(map[string]any, len(properties))
	for k, val := range properties {
		instance[k] = val
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidProperties, nodeType, err)
	}
	return nil
}
