package section

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// builtinSchema is the completeness check applied when a section names no
// schema file.
const builtinSchema = `{
  "type": "object",
  "required": ["section_id", "evidence", "entries"],
  "properties": {
    "section_id": {"type": "string", "minLength": 1},
    "evidence": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["evidence_id"],
        "properties": {"evidence_id": {"type": "string"}}
      }
    }
  }
}`

func compileSchema(sectionID, path string) (*jsonschema.Schema, error) {
	source := builtinSchema
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", sectionID, err)
		}
		source = string(data)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://dossier.schemas.local/sections/%s.schema.json", sectionID)
	if err := c.AddResource(schemaURL, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", sectionID, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", sectionID, err)
	}
	return compiled, nil
}

// jsonDocument round-trips v through encoding/json so the validator sees
// only JSON-native values.
func jsonDocument(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
