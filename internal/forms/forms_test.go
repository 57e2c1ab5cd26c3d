package forms

import "testing"

func TestNewRegistryValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry(Form{ID: ""}); err == nil {
		t.Fatal("expected error for empty form id")
	}
	if _, err := NewRegistry(Form{ID: "a"}, Form{ID: "a"}); err == nil {
		t.Fatal("expected error for duplicate form id")
	}
	if _, err := NewRegistry(Form{
		ID:     "a",
		Fields: []Field{{Name: "x"}, {Name: "x"}},
	}); err == nil {
		t.Fatal("expected error for duplicate field name")
	}
	if _, err := NewRegistry(Form{
		ID:     "a",
		Fields: []Field{{Name: ""}},
	}); err == nil {
		t.Fatal("expected error for empty field name")
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(
		Form{ID: "contact", Fields: []Field{{Name: "email", Kind: KindEmail}}},
		Form{ID: "signup"},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	form, ok := reg.Lookup("contact")
	if !ok || form.ID != "contact" {
		t.Fatalf("Lookup(contact) = %+v, %v", form, ok)
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) should fail")
	}
}

func TestFormFieldHelpers(t *testing.T) {
	t.Parallel()
	form := Form{
		ID: "contact",
		Fields: []Field{
			{Name: "email", Kind: KindEmail},
			{Name: "cv", Kind: KindFile},
			{Name: "website", Kind: KindHoneypot},
			{Name: "photo", Kind: KindFile},
		},
	}
	files := form.FileFields()
	if len(files) != 2 || files[0].Name != "cv" || files[1].Name != "photo" {
		t.Fatalf("FileFields = %+v", files)
	}
	hp, ok := form.HoneypotField()
	if !ok || hp.Name != "website" {
		t.Fatalf("HoneypotField = %+v, %v", hp, ok)
	}

	plain := Form{ID: "plain", Fields: []Field{{Name: "x", Kind: KindText}}}
	if _, ok := plain.HoneypotField(); ok {
		t.Fatal("plain form should have no honeypot")
	}
}

func TestParseKindRoundTrips(t *testing.T) {
	t.Parallel()
	for _, kind := range []FieldKind{KindText, KindEmail, KindTextarea, KindSelect, KindCheckbox, KindFile, KindHoneypot} {
		parsed, ok := ParseKind(kind.String())
		if !ok || parsed != kind {
			t.Fatalf("ParseKind(%q) = %v, %v", kind.String(), parsed, ok)
		}
	}
	if _, ok := ParseKind("bogus"); ok {
		t.Fatal("ParseKind(bogus) should fail")
	}
}
