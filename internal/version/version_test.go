package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	info := resolve(bi)
	if info.Version != "v0.3.1" || info.BuildTime != "2026-10-01T12:00:00Z" || info.GoVersion != "go1.26.0" {
		t.Fatalf("resolve = %+v", info)
	}
	if got, want := info.String(), "v0.3.1 (0123456789ab-dirty)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestResolveDevel(t *testing.T) {
	info := resolve(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != devel {
		t.Fatalf("Version = %q, want %q", info.Version, devel)
	}
	if info.String() != devel {
		t.Fatalf("String() = %q", info.String())
	}
}
