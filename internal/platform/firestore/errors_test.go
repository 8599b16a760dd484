package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clawanddecay/storefront/internal/platform/config"
)

func TestWrapErrorClassifiesStatus(t *testing.T) {
	tests := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := WrapError("get", status.Error(tt.code, "boom"))
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if e.IsNotFound() != tt.notFound || e.IsConflict() != tt.conflict || e.IsUnavailable() != tt.unavailable {
				t.Fatalf("unexpected classification for %s: %+v", tt.code, e)
			}
			if IsUnavailable(err) != tt.unavailable {
				t.Fatalf("IsUnavailable mismatch for %s", tt.code)
			}
		})
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("get", status.Error(codes.Canceled, "client gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("get", status.Error(codes.DeadlineExceeded, "slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if WrapError("get", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestWrapErrorKeepsCause(t *testing.T) {
	sentinel := errors.New("fingerprint mismatch")
	err := WrapError("transaction", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected cause to stay reachable, got %v", err)
	}
	if again := WrapError("outer", err); again != err {
		t.Fatal("expected classified error to pass through unchanged")
	}
}

func TestProviderClosedRejectsClient(t *testing.T) {
	provider := NewProvider(config.ProjectConfig{ID: "clawanddecay-test"})
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := provider.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}
