package server

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const puzzleSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "id":                    {"type": "string"},
    "code":                  {"type": "string"},
    "display_name":          {"type": "string", "maxLength": 200},
    "enabled":               {"type": "boolean"},
    "randomized":            {"type": "boolean"},
    "weight":                {"type": "number"},
    "target_address":        {"type": "string", "maxLength": 128},
    "min_prefix_hex":        {"$ref": "#/definitions/hex"},
    "max_prefix_hex":        {"$ref": "#/definitions/hex"},
    "prefix_length":         {"type": "integer", "minimum": 0, "maximum": 64},
    "chunk_size":            {"type": "integer"},
    "workload_start_suffix": {"$ref": "#/definitions/hex"},
    "workload_end_suffix":   {"$ref": "#/definitions/hex"},
    "notes":                 {"type": "string", "maxLength": 2000}
  },
  "definitions": {
    "hex": {"type": "string", "pattern": "^\\s*(0[xX])?[0-9a-fA-F]*\\s*$", "maxLength": 66}
  }
}`

// ValidationErrorItem is one schema violation.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

var puzzleSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(puzzleSchemaJSON))
})

// validatePuzzleBody checks an upsert body against the puzzle schema. It
// returns the violations, or an error when the document cannot be read.
func validatePuzzleBody(body []byte) ([]ValidationErrorItem, error) {
	schema, err := puzzleSchema()
	if err != nil {
		return nil, fmt.Errorf("compile puzzle schema: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("validate puzzle: %w", err)
	}
	if res.Valid() {
		return nil, nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return items, nil
}
