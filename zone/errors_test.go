package zone

import (
	"errors"
	"testing"
)

func TestErrfWrapsCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Errf(Busy, cause, "journal full for zone %s", "example.com.")

	if KindOf(err) != Busy {
		t.Fatalf("expected Busy, got %v", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("unclassified")) != Internal {
		t.Fatalf("expected foreign errors to classify as Internal")
	}
	if KindOf(nil) != NoError {
		t.Fatalf("expected nil to classify as NoError")
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := Errf(TsigBadkey, nil, "a")
	b := Errf(TsigBadkey, nil, "b")
	if !errors.Is(a, b) {
		t.Fatalf("expected two errors of the same Kind to satisfy errors.Is")
	}

	c := Errf(Busy, nil, "c")
	if errors.Is(a, c) {
		t.Fatalf("expected errors of different Kind to not satisfy errors.Is")
	}
}

func TestKindStringUnknown(t *testing.T) {
	var k Kind = 255
	if k.String() != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for an unregistered kind, got %q", k.String())
	}
}
