package telemetry

import (
	"context"
	"errors"
	"testing"
)

// Regression: an earlier wrapper of this shape dropped the wrapped return
// value on the success path. The value must come back exactly as produced.
func TestObservePropagatesReturnValueOnSuccess(t *testing.T) {
	want := "narrative text"
	got, err := Observe(context.Background(), "narrating", func(ctx context.Context) (string, error) {
		return want, nil
	})
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	if got != want {
		t.Fatalf("Observe dropped the return value: got %q, want %q", got, want)
	}
}

func TestObservePropagatesErrorAndPartialValue(t *testing.T) {
	wantErr := errors.New("boom")
	got, err := Observe(context.Background(), "fetching", func(ctx context.Context) (int, error) {
		return 42, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Observe error = %v, want %v", err, wantErr)
	}
	if got != 42 {
		t.Fatalf("Observe altered the value on the error path: got %d", got)
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Fatalf("GetCorrelation = %q", got)
	}
	if got := GetCorrelation(context.Background()); got != "" {
		t.Fatalf("expected empty correlation, got %q", got)
	}
}
