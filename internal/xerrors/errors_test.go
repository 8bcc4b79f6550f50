package xerrors

import "testing"

func TestRecoverableClassification(t *testing.T) {
	cases := []struct {
		kind        Kind
		recoverable bool
	}{
		{KindConfiguration, false},
		{KindNumerical, true},
		{KindGradientExplosion, true},
		{KindWorkerCrash, false},
		{KindIO, true},
		{KindCancellation, true},
	}
	for _, c := range cases {
		err := New(c.kind, "test")
		if got := err.Recoverable(); got != c.recoverable {
			t.Errorf("Kind %s: Recoverable() = %v, want %v", c.kind, got, c.recoverable)
		}
	}
}

func TestErrorMessageIncludesDetails(t *testing.T) {
	err := New(KindIO, "write failed", "disk full")
	want := "crystalline: [io] write failed: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageWithoutDetails(t *testing.T) {
	err := New(KindConfiguration, "bad shape")
	want := "crystalline: [configuration] bad shape"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
