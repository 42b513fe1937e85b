package llmguard

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/aicsynergy/llmguard/pkg/errors"
	"github.com/aicsynergy/llmguard/pkg/types"
)

// validator is implemented by operation requests and results.
type validator interface {
	validate() error
}

// Response schemas. Strict mode requires every property to be listed as
// required and additionalProperties to be false at every level.
var (
	assessmentSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "readiness_score", "categories"],
  "properties": {
    "summary": {"type": "string"},
    "readiness_score": {"type": "integer", "minimum": 0, "maximum": 100},
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "score", "findings", "recommendations"],
        "properties": {
          "name": {"type": "string"},
          "score": {"type": "integer", "minimum": 0, "maximum": 100},
          "findings": {"type": "array", "items": {"type": "string"}},
          "recommendations": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)

	codeAnalysisSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "quality_score", "findings"],
  "properties": {
    "summary": {"type": "string"},
    "quality_score": {"type": "integer", "minimum": 0, "maximum": 100},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["severity", "category", "description", "line", "suggestion"],
        "properties": {
          "severity": {"type": "string", "enum": ["info", "low", "medium", "high", "critical"]},
          "category": {"type": "string"},
          "description": {"type": "string"},
          "line": {"type": "integer", "minimum": 0},
          "suggestion": {"type": "string"}
        }
      }
    }
  }
}`)

	useCaseSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["use_cases"],
  "properties": {
    "use_cases": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["title", "description", "impact", "complexity", "kpis"],
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"},
          "impact": {"type": "string", "enum": ["low", "medium", "high"]},
          "complexity": {"type": "string", "enum": ["low", "medium", "high"]},
          "kpis": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)
)

// responseFormat asks for schema-conformant output in strict mode and for
// any JSON object otherwise.
func (c *Client) responseFormat(name string, schema json.RawMessage) *types.ResponseFormat {
	if !c.config.StrictJSON {
		return &types.ResponseFormat{Type: types.FormatJSONObject}
	}
	return &types.ResponseFormat{
		Type: types.FormatJSONSchema,
		JSONSchema: &types.JSONSchema{
			Name:   name,
			Schema: schema,
			Strict: true,
		},
	}
}

// schemaNode is the subset of a JSON schema used to check required fields.
type schemaNode struct {
	Type       string                 `json:"type"`
	Required   []string               `json:"required"`
	Properties map[string]*schemaNode `json:"properties"`
	Items      *schemaNode            `json:"items"`
}

var (
	assessmentShape   = mustCompileSchema(assessmentSchema)
	codeAnalysisShape = mustCompileSchema(codeAnalysisSchema)
	useCaseShape      = mustCompileSchema(useCaseSchema)
)

func mustCompileSchema(schema json.RawMessage) *schemaNode {
	var n schemaNode
	if err := json.Unmarshal(schema, &n); err != nil {
		panic(fmt.Sprintf("llmguard: invalid response schema: %v", err))
	}
	return &n
}

// decodeInto parses content into out. Every field the schema marks required
// must be present and non-null at every nesting level, unknown fields are
// ignored, and out must pass its own semantic checks. All failures are
// ResponseParse errors.
func decodeInto(content string, shape *schemaNode, out validator) error {
	raw := []byte(stripCodeFence(content))
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.NewResponseParse("empty model output", nil)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return errors.NewResponseParse("model output is not a JSON object", err)
	}
	if err := checkRequired("", shape, raw); err != nil {
		return errors.NewResponseParse(err.Error(), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.NewResponseParse("model output does not match schema", err)
	}
	if err := out.validate(); err != nil {
		return errors.NewResponseParse(err.Error(), nil)
	}
	return nil
}

// checkRequired walks raw alongside n. Type mismatches on scalars are left
// to the typed decode.
func checkRequired(path string, n *schemaNode, raw json.RawMessage) error {
	if n == nil {
		return nil
	}
	switch n.Type {
	case "object":
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("%s is not an object", displayPath(path))
		}
		for _, name := range n.Required {
			if v, ok := fields[name]; !ok || isNull(v) {
				return fmt.Errorf("missing required field %q", joinPath(path, name))
			}
		}
		for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
			v, ok := fields[name]
			if !ok || isNull(v) {
				continue
			}
			if err := checkRequired(joinPath(path, name), n.Properties[name], v); err != nil {
				return err
			}
		}
	case "array":
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%s is not an array", displayPath(path))
		}
		for i, v := range items {
			if err := checkRequired(fmt.Sprintf("%s[%d]", path, i), n.Items, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "model output"
	}
	return path
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// stripCodeFence removes a ```json fence some models wrap JSON mode output in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func checkScore(field string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s %d outside [0, 100]", field, v)
	}
	return nil
}

func checkEnum(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of %s", field, v, strings.Join(allowed, ", "))
}
