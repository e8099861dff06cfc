package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildComprobanteJSONSchema returns the JSON-Schema constraint for the
// extractor's reply: exactly the six named keys, all strings, empty string
// for anything unrecovered.
func BuildComprobanteJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"numRuc":       map[string]any{"type": "string", "pattern": `^$|^\d{11}$`},
			"codComp":      map[string]any{"type": "string", "pattern": `^$|^(01|03|07|08|R1|R7)$`},
			"numeroSerie":  map[string]any{"type": "string", "maxLength": 4},
			"numero":       map[string]any{"type": "string", "pattern": `^\d{0,8}$`},
			"fechaEmision": map[string]any{"type": "string", "pattern": `^$|^\d{2}/\d{2}/\d{4}$`},
			"monto":        map[string]any{"type": "string"},
		},
		"required": []string{"numRuc", "codComp", "numeroSerie", "numero", "fechaEmision", "monto"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
