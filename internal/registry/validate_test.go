package registry

import "testing"

type validateFixture struct {
	ID       string `json:"id" validate:"required"`
	Priority int    `json:"priority" validate:"min=0,max=100"`
	Mode     string `json:"mode" validate:"oneof=fast slow"`
	Name     string `json:"name" validate:"min=3,max=10"`
}

func TestValidateRequired(t *testing.T) {
	v := validateFixture{Priority: 5, Mode: "fast", Name: "abcd"}
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for missing required ID")
	}
	v.ID = "x-1"
	if err := Validate(&v); err != nil {
		t.Fatalf("expected no error once ID is set, got %v", err)
	}
}

func TestValidateMinMax(t *testing.T) {
	v := validateFixture{ID: "x-1", Mode: "fast", Name: "abcd"}
	v.Priority = -1
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for priority below min")
	}
	v.Priority = 101
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for priority above max")
	}
	v.Priority = 50
	if err := Validate(&v); err != nil {
		t.Fatalf("expected no error for in-range priority, got %v", err)
	}
}

func TestValidateStringLength(t *testing.T) {
	v := validateFixture{ID: "x-1", Priority: 1, Mode: "fast", Name: "ab"}
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for name shorter than min length")
	}
	v.Name = "this-name-is-too-long"
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for name longer than max length")
	}
}

func TestValidateOneof(t *testing.T) {
	v := validateFixture{ID: "x-1", Priority: 1, Mode: "medium", Name: "abcd"}
	if err := Validate(&v); err == nil {
		t.Fatal("expected error for mode outside oneof set")
	}
	v.Mode = ""
	if err := Validate(&v); err != nil {
		t.Fatalf("zero-value oneof field should be skipped (required handles emptiness), got %v", err)
	}
}

func TestValidateNonStruct(t *testing.T) {
	s := "just a string"
	if err := Validate(&s); err != nil {
		t.Fatalf("non-struct input should be a no-op, got %v", err)
	}
}
