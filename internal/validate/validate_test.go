package validate

import "testing"

type loginPayload struct {
	AccountName string `validate:"required,min=3,max=16"`
	Password    string `validate:"required"`
	Region      string `validate:"oneof=eu us ap"`
}

func TestStructAccepts(t *testing.T) {
	p := loginPayload{AccountName: "hero", Password: "hunter2", Region: "eu"}
	if err := Struct(&p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStructRejectsMissingRequired(t *testing.T) {
	p := loginPayload{Region: "eu"}
	err := Struct(&p)
	if err == nil {
		t.Fatal("expected error")
	}
	ve, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if len(ve.Violations) < 2 {
		t.Fatalf("expected at least 2 violations, got %v", ve.Violations)
	}
}

func TestStructRejectsOutOfRange(t *testing.T) {
	p := loginPayload{AccountName: "ab", Password: "x", Region: "eu"}
	if err := Struct(&p); err == nil {
		t.Fatal("expected min-length violation")
	}
}

func TestStructRejectsBadOneof(t *testing.T) {
	p := loginPayload{AccountName: "hero", Password: "x", Region: "mars"}
	if err := Struct(&p); err == nil {
		t.Fatal("expected oneof violation")
	}
}

func TestStructNilPointer(t *testing.T) {
	var p *loginPayload
	if err := Struct(p); err == nil {
		t.Fatal("expected error for nil pointer")
	}
}
