// internal/common/validation/schemas.go
package validation

// SubmitNotificationSchema describes POST /api/v1/notifications.
const SubmitNotificationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["target", "title", "body", "type"],
  "additionalProperties": false,
  "properties": {
    "target": {
      "type": "object",
      "required": ["kind"],
      "additionalProperties": false,
      "properties": {
        "kind": {"type": "string", "enum": ["single", "agency", "all_agencies", "all_users", "meter_owners"]},
        "user_id": {"type": "integer", "minimum": 1},
        "agency_id": {"type": "integer", "minimum": 1},
        "meter_number": {"type": "string", "minLength": 1, "maxLength": 64}
      }
    },
    "title": {"type": "string", "minLength": 1, "maxLength": 255},
    "body": {"type": "string", "minLength": 1, "maxLength": 4000},
    "type": {"type": "integer", "minimum": 1},
    "event_id": {"type": "integer", "minimum": 1},
    "actor_id": {"type": "integer", "minimum": 1},
    "urgent": {"type": "boolean"}
  }
}`

// RegisterSessionSchema describes POST /api/v1/sessions.
const RegisterSessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["push_token"],
  "additionalProperties": false,
  "properties": {
    "device": {"type": "string", "maxLength": 255},
    "push_token": {"type": "string", "minLength": 1, "maxLength": 4096}
  }
}`

// LogoutSessionSchema describes POST /api/v1/sessions/logout.
const LogoutSessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "push_token": {"type": "string", "maxLength": 4096}
  }
}`
