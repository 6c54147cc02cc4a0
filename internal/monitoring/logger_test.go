package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("homed %s", "XY")
	if got != "homed XY" {
		t.Errorf("got %q", got)
	}

	// nil installs a no-op; must not panic
	SetLogger(nil)
	Logf("ignored")
}

func TestComponentFollowsSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Component("smoothie")

	var got string
	SetLogger(func(format string, v ...any) {
		got = fmt.Sprintf(format, v...)
	})
	logf("retry %d", 2)
	if got != "smoothie: retry 2" {
		t.Errorf("got %q", got)
	}
}
