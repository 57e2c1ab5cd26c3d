// Package forms holds the per-form field descriptors. Field behavior is a
// closed set of variants dispatched by exhaustive switches, so an unknown
// kind is unrepresentable rather than a runtime lookup failure, and the
// registry is an immutable map built once at startup.
package forms

import (
	"fmt"
	"strings"
)

// FieldKind enumerates every field variant the engine understands.
type FieldKind int

const (
	KindText FieldKind = iota
	KindEmail
	KindTextarea
	KindSelect
	KindCheckbox
	KindFile
	KindHoneypot
)

func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEmail:
		return "email"
	case KindTextarea:
		return "textarea"
	case KindSelect:
		return "select"
	case KindCheckbox:
		return "checkbox"
	case KindFile:
		return "file"
	case KindHoneypot:
		return "honeypot"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration string onto a field kind.
func ParseKind(s string) (FieldKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return KindText, true
	case "email":
		return KindEmail, true
	case "textarea":
		return KindTextarea, true
	case "select":
		return KindSelect, true
	case "checkbox":
		return KindCheckbox, true
	case "file":
		return KindFile, true
	case "honeypot":
		return KindHoneypot, true
	default:
		return 0, false
	}
}

// IsFileBearing reports whether values of this kind arrive as uploads.
func (k FieldKind) IsFileBearing() bool {
	return k == KindFile
}

// IsHoneypot reports whether the field exists only to trap bots.
func (k FieldKind) IsHoneypot() bool {
	return k == KindHoneypot
}

// Field describes one form field. Declarative validation rules (patterns,
// ranges, choices) live with the external rendering layer, not here.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// Form describes one form.
type Form struct {
	ID     string
	Fields []Field
}

// FileFields returns the file-bearing fields in declaration order.
func (f Form) FileFields() []Field {
	var out []Field
	for _, field := range f.Fields {
		if field.Kind.IsFileBearing() {
			out = append(out, field)
		}
	}
	return out
}

// HoneypotField returns the form's honeypot field, if it declares one.
func (f Form) HoneypotField() (Field, bool) {
	for _, field := range f.Fields {
		if field.Kind.IsHoneypot() {
			return field, true
		}
	}
	return Field{}, false
}

// Registry is the immutable form lookup table.
type Registry struct {
	forms map[string]Form
}

// NewRegistry builds a registry from the supplied forms. Form IDs must be
// non-empty and unique; field names must be unique within a form.
func NewRegistry(forms ...Form) (*Registry, error) {
	table := make(map[string]Form, len(forms))
	for _, form := range forms {
		if strings.TrimSpace(form.ID) == "" {
			return nil, fmt.Errorf("forms: form id required")
		}
		if _, dup := table[form.ID]; dup {
			return nil, fmt.Errorf("forms: duplicate form id %q", form.ID)
		}
		seen := make(map[string]struct{}, len(form.Fields))
		for _, field := range form.Fields {
			if strings.TrimSpace(field.Name) == "" {
				return nil, fmt.Errorf("forms: form %q: field name required", form.ID)
			}
			if _, dup := seen[field.Name]; dup {
				return nil, fmt.Errorf("forms: form %q: duplicate field %q", form.ID, field.Name)
			}
			seen[field.Name] = struct{}{}
		}
		table[form.ID] = form
	}
	return &Registry{forms: table}, nil
}

// Lookup returns the form registered under id.
func (r *Registry) Lookup(id string) (Form, bool) {
	form, ok := r.forms[id]
	return form, ok
}

// Len reports how many forms are registered.
func (r *Registry) Len() int {
	return len(r.forms)
}
