package zone

import (
	"path/filepath"
	"testing"
)

func TestNewLoggerStderrWhenNoFile(t *testing.T) {
	l := NewLogger("", "test: ")
	if l == nil {
		t.Fatalf("expected a non-nil logger")
	}
	if l.Prefix() != "test: " {
		t.Fatalf("expected prefix %q, got %q", "test: ", l.Prefix())
	}
}

func TestNewLoggerRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.log")
	l := NewLogger(path, "example.com.: ")
	if l == nil {
		t.Fatalf("expected a non-nil logger")
	}
	l.Print("hello")
}
