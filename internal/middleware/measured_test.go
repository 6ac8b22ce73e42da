package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fblgit/claudebench/internal/registry"
)

func TestWithMeasuredPassesThroughSuccess(t *testing.T) {
	stage := WithMeasured()
	desc := registry.Descriptor{Event: "task.create"}
	calls := 0
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		calls++
		return "payload", nil
	})

	res, err := handler(&registry.Context{Context: context.Background()}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "payload" {
		t.Fatalf("result = %v, want payload", res)
	}
	if calls != 1 {
		t.Fatalf("handler body ran %d times, want 1", calls)
	}
}

func TestWithMeasuredPassesThroughError(t *testing.T) {
	stage := WithMeasured()
	desc := registry.Descriptor{Event: "task.claim"}
	want := errors.New("boom")
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return nil, want
	})

	res, err := handler(&registry.Context{Context: context.Background()}, nil)
	if err != want {
		t.Fatalf("error = %v, want %v", err, want)
	}
	if res != nil {
		t.Fatalf("result = %v, want nil", res)
	}
}

func TestWithMeasuredDistinctEventsDoNotInterfere(t *testing.T) {
	stage := WithMeasured()
	a := stage(registry.Descriptor{Event: "task.create"}, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return "a", nil
	})
	b := stage(registry.Descriptor{Event: "task.complete"}, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return "b", nil
	})

	resA, errA := a(&registry.Context{Context: context.Background()}, nil)
	resB, errB := b(&registry.Context{Context: context.Background()}, nil)
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v, %v", errA, errB)
	}
	if resA != "a" || resB != "b" {
		t.Fatalf("results = %v, %v, want a, b", resA, resB)
	}
}
