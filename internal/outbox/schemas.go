package outbox

import "example.com/progress/internal/events"

// eventSchemas holds the JSON schema registered for each outbox event type.
var eventSchemas = map[string]string{
	events.TypeProgressSaved: progressSavedSchema,
	events.TypeBadgeAwarded:  badgeAwardedSchema,
}

const progressSavedSchema = `{
  "type": "object",
  "title": "ProgressSaved",
  "properties": {
    "record_id": {"type": "string"},
    "student_id": {"type": "string"},
    "session_id": {"type": "string"},
    "completed": {"type": "boolean"},
    "saved_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "student_id", "session_id", "completed", "saved_at"],
  "additionalProperties": false
}`

const badgeAwardedSchema = `{
  "type": "object",
  "title": "BadgeAwarded",
  "properties": {
    "award_id": {"type": "string"},
    "student_id": {"type": "string"},
    "badge_id": {"type": "string"},
    "awarded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["award_id", "student_id", "badge_id", "awarded_at"],
  "additionalProperties": false
}`
