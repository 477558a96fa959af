package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsKindSentinel(t *testing.T) {
	err := E(NotFound, "registry.get", "asset %s not found", "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatalf("unexpected ErrInvalidState match")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("expected wrapped match")
	}
	if got := err.Error(); got != "registry.get: asset a1 not found" {
		t.Fatalf("message %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageError, "storage.upload", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if KindOf(err) != StorageError {
		t.Fatalf("kind %v", KindOf(err))
	}
	if Wrap(StorageError, "x", nil) != nil {
		t.Fatalf("wrap nil should be nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{E(InvalidState, "op", "x"), http.StatusConflict},
		{E(LimitExceeded, "op", "x"), http.StatusRequestEntityTooLarge},
		{E(AccessDenied, "op", "x"), http.StatusForbidden},
		{Wrap(StorageError, "op", ErrNotFound), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
