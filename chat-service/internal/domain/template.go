package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/weiawesome/incident-chat/pkg/database"
)

// Field types a template schema may declare.
const (
	FieldTypeText     = "text"
	FieldTypeDropdown = "dropdown"
)

// Template is a question template with {placeholder} text and a field schema.
type Template struct {
	ID       uint          `gorm:"primaryKey" json:"id"`
	TenantID *uint         `gorm:"index" json:"tenant_id,omitempty"`
	Name     string        `gorm:"type:varchar(100);not null" json:"name"`
	Text     string        `gorm:"type:varchar(500);not null" json:"text"`
	Schema   database.JSON `gorm:"type:text" json:"schema,omitempty"`
}

func (Template) TableName() string { return "templates" }

// FieldSpec describes one answer field.
type FieldSpec struct {
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
}

// TemplateSchema maps field names to their spec.
type TemplateSchema map[string]FieldSpec

// ParseSchema decodes the stored schema. An empty column is an empty schema.
func (t *Template) ParseSchema() (TemplateSchema, error) {
	schema := TemplateSchema{}
	if t.Schema.IsNull() {
		return schema, nil
	}
	if err := json.Unmarshal(t.Schema, &schema); err != nil {
		return nil, fmt.Errorf("decode template %d schema: %w", t.ID, err)
	}
	return schema, nil
}

// ValidateAnswers checks a structured reply against the schema. Every
// declared field is required and undeclared fields are rejected.
func (s TemplateSchema) ValidateAnswers(answers map[string]interface{}) error {
	const op = "template.validate"

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := s[name]
		raw, ok := answers[name]
		if !ok || raw == nil {
			return Validation(op, "missing field '%s'", name)
		}
		value, ok := raw.(string)
		if !ok {
			return Validation(op, "field '%s' must be a string", name)
		}

		switch spec.Type {
		case FieldTypeText, "":
			if value == "" {
				return Validation(op, "missing field '%s'", name)
			}
		case FieldTypeDropdown:
			if !contains(spec.Options, value) {
				return Validation(op, "invalid option '%s' for field '%s'", value, name)
			}
		default:
			return Validation(op, "field '%s' has unsupported type '%s'", name, spec.Type)
		}
	}

	extra := make([]string, 0)
	for name := range answers {
		if _, ok := s[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Validation(op, "unknown field '%s'", extra[0])
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {placeholder} markers in the template text.
func (t *Template) Render(answers map[string]interface{}) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(t.Text, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := answers[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", Validation("template.render", "missing placeholder '%s'", missing)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
