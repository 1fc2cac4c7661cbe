package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://tilecraft.ai/schemas/"

// schemaFiles maps message types to their embedded schema.
var schemaFiles = map[string]string{
	TypeHello:           "hello.schema.json",
	TypeInitialize:      "initialize.schema.json",
	TypeSetGridSnapshot: "set_grid_snapshot.schema.json",
	TypeSetActiveGrid:   "set_active_grid.schema.json",
	TypeSetHourOfDay:    "set_hour_of_day.schema.json",
	TypeFlash:           "flash.schema.json",
	TypeLightDelta:      "light_delta.schema.json",
}

// Validator checks raw JSON messages against the embedded schemas.
// Compiled schemas are immutable; a Validator is safe for concurrent use.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	err := fs.WalkDir(schemaFS, "schemas", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := schemaFS.ReadFile(p)
		if err != nil {
			return err
		}
		return c.AddResource(schemaBaseURL+path.Base(p), bytes.NewReader(raw))
	})
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate routes raw by its type field and validates it.
func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, err
	}
	s := v.byType[strings.TrimSpace(base.Type)]
	if s == nil {
		return base, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return base, err
	}
	if err := s.Validate(doc); err != nil {
		return base, err
	}
	return base, nil
}
