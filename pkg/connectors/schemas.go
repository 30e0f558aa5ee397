package connectors

import (
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Config schemas per connector type. Validation runs before any secret is
// written so a bad binding never leaves orphaned vault entries.

const httpSchema = `{
  "type": "object",
  "required": ["base_url"],
  "properties": {
    "base_url": {"type": "string", "format": "uri"},
    "auth_header": {"type": "string"},
    "tools": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]}
        }
      }
    }
  }
}`

const mcpSchema = `{
  "type": "object",
  "required": ["server_url"],
  "properties": {
    "server_url": {"type": "string", "format": "uri"}
  }
}`

const oauth2Schema = `{
  "type": "object",
  "required": ["base_url", "token_url", "client_id"],
  "properties": {
    "base_url": {"type": "string", "format": "uri"},
    "token_url": {"type": "string", "format": "uri"},
    "client_id": {"type": "string"},
    "scopes": {"type": "array", "items": {"type": "string"}},
    "tools": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]}
        }
      }
    }
  }
}`

var configSchemas = map[string]*jsonschema.Schema{
	"http":   jsonschema.MustCompileString("http.json", httpSchema),
	"mcp":    jsonschema.MustCompileString("mcp.json", mcpSchema),
	"oauth2": jsonschema.MustCompileString("oauth2.json", oauth2Schema),
}

// ErrInvalidConfig wraps any config rejection, unknown types included.
var ErrInvalidConfig = errors.New("connectors: invalid config")

// ValidateConfig checks a binding config against the schema for its type.
func ValidateConfig(connectorType string, config map[string]any) error {
	sch, ok := configSchemas[connectorType]
	if !ok {
		return fmt.Errorf("%w: unknown connector type %q", ErrInvalidConfig, connectorType)
	}
	if config == nil {
		config = map[string]any{}
	}
	if err := sch.Validate(normalize(config)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// normalize converts typed Go maps into the interface shapes the validator
// expects.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
