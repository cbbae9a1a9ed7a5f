package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const policyFileSchemaURL = "https://aesp.schemas.local/policy/policy-file.schema.json"

// policyFileSchema describes a policy document as read by FileProvider.
const policyFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policies"],
  "additionalProperties": false,
  "properties": {
    "vendor_id": {"type": "string"},
    "policies": {
      "type": "array",
      "items": {"$ref": "#/$defs/policy"}
    }
  },
  "$defs": {
    "amount": {"type": "integer", "minimum": 0},
    "hhmm": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
    "policy": {
      "type": "object",
      "required": ["id", "agent_id", "scope", "conditions"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "agent_id": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "scope": {"enum": ["auto_payment", "commitment", "delegated_negotiation", "full"]},
        "escalation": {"enum": ["review", "biometric", "reject"]},
        "parent_id": {"type": "string"},
        "vendor_id": {"type": "string"},
        "created_at": {"type": "string"},
        "expires_at": {"type": "string"},
        "signature": {"type": "string"},
        "signer_ref": {"type": "string"},
        "conditions": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_amount_per_tx": {"$ref": "#/$defs/amount"},
            "max_amount_per_day": {"$ref": "#/$defs/amount"},
            "max_amount_per_week": {"$ref": "#/$defs/amount"},
            "max_amount_per_month": {"$ref": "#/$defs/amount"},
            "min_balance_after": {"$ref": "#/$defs/amount"},
            "allowed_addresses": {"type": "array", "items": {"type": "string"}},
            "allowed_chains": {"type": "array", "items": {"type": "string"}},
            "allowed_methods": {"type": "array", "items": {"type": "string"}},
            "require_review_on_first_pay": {"type": "boolean"},
            "expression": {"type": "string"},
            "time_window": {
              "type": "object",
              "required": ["start", "end"],
              "additionalProperties": false,
              "properties": {
                "start": {"$ref": "#/$defs/hhmm"},
                "end": {"$ref": "#/$defs/hhmm"},
                "timezone": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func policyFileValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(policyFileSchemaURL, strings.NewReader(policyFileSchema)); err != nil {
			schemaErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(policyFileSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("policy schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}
