package version

import "testing"

func TestString(t *testing.T) {
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	defer func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	}()

	Version = "0.4.0"
	Commit = "9f1c2ab"
	BuildTime = "2026-10-01T08:00:00Z"

	want := "0.4.0 (9f1c2ab) built 2026-10-01T08:00:00Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDefaultValues(t *testing.T) {
	// ldflags may override these in release builds
	if Version == "" || Commit == "" || BuildTime == "" {
		t.Errorf("defaults must be non-empty: %q %q %q", Version, Commit, BuildTime)
	}
}
