package policy

const policySchemaURL = "https://sardis.schemas.local/policy/spending-policy.schema.json"

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["agent_id", "schema_version", "limit_per_tx"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string", "minLength": 1},
    "limit_per_tx": {"type": "integer", "minimum": 0},
    "daily_limit": {"type": "integer", "minimum": 0},
    "weekly_limit": {"type": "integer", "minimum": 0},
    "monthly_limit": {"type": "integer", "minimum": 0},
    "auto_approve_ceiling": {"type": "integer", "minimum": 0},
    "merchant_allowlist": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "merchant_denylist": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "blocked_categories": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "allowed_scopes": {
      "type": "array",
      "items": {"type": "string", "pattern": "^onchain:[a-z0-9-]+$"}
    },
    "updated_by": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`
