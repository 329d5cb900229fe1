package version

import (
	"strings"
	"testing"
)

func setVars(t *testing.T, v, c, b string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = v, c, b
}

func TestString(t *testing.T) {
	setVars(t, "1.2.3", "abc1234", "2024-01-01T00:00:00Z")

	want := "1.2.3 (abc1234) built 2024-01-01T00:00:00Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestString_Defaults(t *testing.T) {
	setVars(t, "dev", "unknown", "unknown")

	result := String()
	if !strings.HasPrefix(result, "dev (") {
		t.Errorf("String() = %q, should start with 'dev ('", result)
	}
	if !strings.HasSuffix(result, "built unknown") {
		t.Errorf("String() = %q, should end with 'built unknown'", result)
	}
}

func TestAttr(t *testing.T) {
	setVars(t, "1.2.3", "abc1234", "now")

	attr := Attr()
	if attr.Key != "build" {
		t.Errorf("Key = %q, want build", attr.Key)
	}
	group := attr.Value.Group()
	if len(group) != 3 || group[0].Value.String() != "1.2.3" || group[1].Value.String() != "abc1234" {
		t.Errorf("group = %v", group)
	}
}
