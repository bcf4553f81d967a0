package errors

import (
	"strings"
	"testing"
)

func TestKindOfRecoversTaxonomy(t *testing.T) {
	err := OutOfMemoryf("could not acquire %d bytes", 4096)
	k, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected KindOf to recognize the error")
	}
	if k != OutOfMemory {
		t.Fatalf("expected OutOfMemory, got %s", k)
	}
}

func TestIsDistinguishesKinds(t *testing.T) {
	err := BadRequestf("block size %d is not a power of two", 3)
	if !Is(err, BadRequest) {
		t.Fatalf("expected Is(err, BadRequest) to hold")
	}
	if Is(err, OutOfMemory) {
		t.Fatalf("did not expect Is(err, OutOfMemory) to hold")
	}
}

func TestKindOfRejectsForeignErrors(t *testing.T) {
	if _, ok := KindOf(errStub{}); ok {
		t.Fatalf("expected KindOf to reject an error not produced by this package")
	}
}

type errStub struct{}

func (errStub) Error() string { return "stub" }

func TestCoreErrorMessageIncludesLocation(t *testing.T) {
	err := NewParseError(SourceLocation{File: "repl", Line: 2, Column: 5}, "unexpected token %q", ")")
	ce, ok := CoreOf(err)
	if !ok {
		t.Fatalf("expected CoreOf to recover the CoreError")
	}
	if ce.Location.Line != 2 || ce.Location.Column != 5 {
		t.Fatalf("location not preserved: %+v", ce.Location)
	}
	if ce.Kind != ParseError {
		t.Fatalf("expected ParseError kind, got %s", ce.Kind)
	}
	if !strings.Contains(err.Error(), "(at repl:2:5)") {
		t.Fatalf("message does not include the location: %q", err.Error())
	}
}

func TestWithFrameAccumulatesCallStack(t *testing.T) {
	ce := &CoreError{Kind: TypeMismatch, Message: "expected integer"}
	ce.WithFrame("fib", 12).WithFrame("main", 3)
	if len(ce.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(ce.Frames))
	}
	if ce.Frames[0].Function != "fib" || ce.Frames[1].Function != "main" {
		t.Fatalf("frames not in call order: %+v", ce.Frames)
	}
}
