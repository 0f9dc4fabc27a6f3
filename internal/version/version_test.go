package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	old := Version
	Version = "v1.2.3"
	defer func() { Version = old }()

	got := String()
	if !strings.HasPrefix(got, "v1.2.3 (") || !strings.Contains(got, runtime.Version()) {
		t.Errorf("String() = %q", got)
	}
	if info := Get(); info.Version != "v1.2.3" || info.GoVersion != runtime.Version() {
		t.Errorf("Get() = %+v", info)
	}
}
