package ustr

import "testing"

func TestIsdotIsdotdot(t *testing.T) {
	if !Ustr(".").Isdot() {
		t.Fatalf(`"." should be Isdot`)
	}
	if Ustr("..").Isdot() {
		t.Fatalf(`".." should not be Isdot`)
	}
	if !Ustr("..").Isdotdot() {
		t.Fatalf(`".." should be Isdotdot`)
	}
}

func TestEq(t *testing.T) {
	if !Ustr("abc").Eq(Ustr("abc")) {
		t.Fatalf("equal strings should compare equal")
	}
	if Ustr("abc").Eq(Ustr("abd")) {
		t.Fatalf("differing strings should not compare equal")
	}
	if Ustr("ab").Eq(Ustr("abc")) {
		t.Fatalf("differing lengths should not compare equal")
	}
}

func TestExtend(t *testing.T) {
	got := Ustr("usr").Extend(Ustr("bin"))
	if got.String() != "usr/bin" {
		t.Fatalf("Extend = %q, want usr/bin", got.String())
	}
}

func TestMkUstrSliceStopsAtNUL(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x', 'x'}
	got := MkUstrSlice(buf)
	if got.String() != "hi" {
		t.Fatalf("MkUstrSlice = %q, want hi", got.String())
	}
}

func TestIsAbsolute(t *testing.T) {
	if !Ustr("/a/b").IsAbsolute() {
		t.Fatalf("/a/b should be absolute")
	}
	if Ustr("a/b").IsAbsolute() {
		t.Fatalf("a/b should not be absolute")
	}
	if Ustr("").IsAbsolute() {
		t.Fatalf("empty path should not be absolute")
	}
}
