// Package validation checks request bodies against JSON schemas before they
// reach the orchestrator.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	apperrors "application-lifecycle/internal/common/errors"
)

// SaveStateSchema describes POST /api/v1/states/save.
const SaveStateSchema = `{
  "type": "object",
  "required": ["session_id", "channel", "user_identifier", "current_step", "form_data"],
  "properties": {
    "session_id":      {"type": "string", "maxLength": 255, "pattern": "^[a-zA-Z0-9_-]+$"},
    "channel":         {"type": "string", "enum": ["web", "whatsapp", "ussd", "mobile_app"]},
    "user_identifier": {"type": "string", "maxLength": 255, "pattern": "^[a-zA-Z0-9@._+-]+$"},
    "current_step":    {"type": "string", "minLength": 1, "maxLength": 100},
    "form_data": {
      "type": "object",
      "properties": {
        "language": {"type": ["string", "null"], "enum": ["en", "sn", "nd", null]},
        "intent": {"type": ["string", "null"], "enum": [
          "hirePurchase", "microBiz", "checkStatus", "trackDelivery", "loan", "account",
          "personalServices", "cashPurchase", "ssbLoan", "zbLoan", "accountOpening", "rdcLoan",
          "houseConstruction", "agentApplication", "agentLogin", "homeConstruction", "personalGadgets", null
        ]},
        "employer": {"type": ["string", "null"], "maxLength": 255},
        "amount": {
          "type": ["number", "string", "null"],
          "minimum": 0,
          "maximum": 1000000,
          "pattern": "^[0-9]+(\\.[0-9]+)?$"
        },
        "formResponses": {
          "type": ["object", "null"],
          "properties": {
            "firstName":        {"type": ["string", "null"], "maxLength": 100, "pattern": "^[a-zA-Z\\s'-]*$"},
            "lastName":         {"type": ["string", "null"], "maxLength": 100, "pattern": "^[a-zA-Z\\s'-]*$"},
            "emailAddress":     {"type": ["string", "null"], "maxLength": 255, "pattern": "^$|^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
            "mobile":           {"type": ["string", "null"], "pattern": "^$|^(\\+263|0)?[0-9\\s\\-\\(\\)]{7,15}$"},
            "nationalIdNumber": {"type": ["string", "null"], "maxLength": 50, "pattern": "^[a-zA-Z0-9 -]*$"}
          }
        }
      }
    },
    "metadata": {
      "type": ["object", "null"],
      "properties": {
        "user_agent": {"type": ["string", "null"], "maxLength": 4096}
      }
    }
  }
}`

// RetrieveStateSchema describes POST /api/v1/states/retrieve.
const RetrieveStateSchema = `{
  "type": "object",
  "required": ["user"],
  "properties": {
    "user":    {"type": "string", "minLength": 1, "maxLength": 255},
    "channel": {"type": ["string", "null"], "enum": ["web", "whatsapp", "ussd", "mobile_app", null]}
  }
}`

// CreateApplicationSchema describes POST /api/v1/applications.
const CreateApplicationSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1, "maxLength": 255, "pattern": "^[a-zA-Z0-9_-]+$"}
  }
}`

// TransitionSchema describes POST /api/v1/states/{session_id}/transitions.
const TransitionSchema = `{
  "type": "object",
  "required": ["to_step"],
  "properties": {
    "to_step":   {"type": "string", "minLength": 1, "maxLength": 100},
    "channel":   {"type": ["string", "null"], "enum": ["web", "whatsapp", "ussd", "mobile_app", "admin", null]},
    "form_data": {"type": ["object", "null"]},
    "metadata":  {"type": ["object", "null"]},
    "data":      {"type": ["object", "null"]}
  }
}`

// ExtendReferenceSchema describes POST /api/v1/references/{code}/extend.
const ExtendReferenceSchema = `{
  "type": "object",
  "required": ["days"],
  "properties": {
    "days": {"type": "integer", "minimum": 1, "maximum": 365}
  }
}`

// CancelSchema describes POST /api/v1/states/{session_id}/cancel.
const CancelSchema = `{
  "type": "object",
  "properties": {
    "reason": {"type": ["string", "null"], "maxLength": 500}
  }
}`

// LinkSchema describes POST /api/v1/states/{session_id}/link.
const LinkSchema = `{
  "type": "object",
  "required": ["secondary_session_id", "channel", "user_identifier"],
  "properties": {
    "secondary_session_id": {"type": "string", "maxLength": 255, "pattern": "^[a-zA-Z0-9_-]+$"},
    "channel":              {"type": "string", "enum": ["web", "whatsapp", "ussd", "mobile_app"]},
    "user_identifier":      {"type": "string", "maxLength": 255, "pattern": "^[a-zA-Z0-9@._+-]+$"}
  }
}`

// MergeSchema describes POST /api/v1/states/{session_id}/merge.
const MergeSchema = `{
  "type": "object",
  "required": ["secondary_session_id"],
  "properties": {
    "secondary_session_id": {"type": "string", "minLength": 1, "maxLength": 255, "pattern": "^[a-zA-Z0-9_-]+$"}
  }
}`

// SwitchChannelSchema describes POST /api/v1/states/{session_id}/switch.
const SwitchChannelSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel":           {"type": "string", "enum": ["web", "whatsapp"]},
    "phone_number":      {"type": ["string", "null"], "pattern": "^$|^\\+?[0-9\\s\\-\\(\\)]{7,20}$"},
    "target_session_id": {"type": ["string", "null"], "maxLength": 255, "pattern": "^$|^[a-zA-Z0-9_-]+$"}
  }
}`

// NewSessionSchema describes POST /api/v1/sessions.
const NewSessionSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": {"type": "string", "enum": ["web", "whatsapp", "ussd", "mobile_app"]}
  }
}`

// Schema is a compiled JSON schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses a schema document.
func Compile(name, document string) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for package-level schemas known to be valid.
func MustCompile(name, document string) *Schema {
	s, err := Compile(name, document)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON document. Field failures are returned as a
// single *errors.ValidationErrors sorted by field.
func (s *Schema) Validate(doc interface{}) error {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return apperrors.NewValidationError("", fmt.Sprintf("%s: %v", s.name, err))
	}
	if result.Valid() {
		return nil
	}

	errs := make([]apperrors.ValidationError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, apperrors.ValidationError{
			Field:   fieldOf(desc),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return &apperrors.ValidationErrors{Errors: errs}
}

// fieldOf reports the offending property. Required-property failures are
// attributed to the missing property rather than its parent.
func fieldOf(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY {
		field = ""
	}
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}

var (
	registryOnce sync.Once
	registry     map[string]*Schema
)

// Named returns one of the built-in request schemas.
func Named(name string) *Schema {
	registryOnce.Do(func() {
		registry = map[string]*Schema{
			"save_state":         MustCompile("save_state", SaveStateSchema),
			"retrieve_state":     MustCompile("retrieve_state", RetrieveStateSchema),
			"create_application": MustCompile("create_application", CreateApplicationSchema),
			"transition":         MustCompile("transition", TransitionSchema),
			"extend_reference":   MustCompile("extend_reference", ExtendReferenceSchema),
			"cancel":             MustCompile("cancel", CancelSchema),
			"link":               MustCompile("link", LinkSchema),
			"merge":              MustCompile("merge", MergeSchema),
			"switch_channel":     MustCompile("switch_channel", SwitchChannelSchema),
			"new_session":        MustCompile("new_session", NewSessionSchema),
		}
	})
	return registry[name]
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail validates email format
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}
