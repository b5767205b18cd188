package nodetype

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const pageSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"layout": {"enum": ["default", "landing"]}
	},
	"required": ["title"]
}`

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator(true)
	if err := v.Register("Page", []byte(pageSchema)); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		typ   string
		props map[string]string
		want  error
	}{
		{"valid", "Page", map[string]string{"title": "Home", "layout": "landing"}, nil},
		{"missing required", "Page", map[string]string{"layout": "default"}, ErrInvalidProperties},
		{"empty title", "Page", map[string]string{"title": ""}, ErrInvalidProperties},
		{"bad enum", "Page", map[string]string{"title": "x", "layout": "grid"}, ErrInvalidProperties},
		{"unknown type", "Teaser", map[string]string{}, ErrUnknownNodeType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateProperties(tc.typ, tc.props)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLenientValidatorAcceptsUnknownTypes(t *testing.T) {
	if err := NewSchemaValidator(false).ValidateProperties("Anything", map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := (AllowAll{}).ValidateProperties("Anything", nil); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Page.json"), []byte(pageSchema), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := LoadDir(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateProperties("Page", map[string]string{"title": "Home"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Broken.json"), []byte(`{"type": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir, true); err == nil {
		t.Fatalf("broken schema must fail to load")
	}
}
