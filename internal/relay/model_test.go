package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewDocID("  "); !errors.Is(err, ErrInvalidDocID) {
		t.Fatalf("expected ErrInvalidDocID, got %v", err)
	}
	if _, err := NewClientID(""); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("expected ErrInvalidClientID, got %v", err)
	}
	if _, err := NewUpdateID(strings.Repeat("x", 191)); !errors.Is(err, ErrInvalidUpdateID) {
		t.Fatalf("expected ErrInvalidUpdateID, got %v", err)
	}

	docID, err := NewDocID("  doc-x  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docID.String() != "doc-x" {
		t.Fatalf("expected trimmed id, got %q", docID)
	}
}
