//go:build linux

package systemdmanager

import (
	"errors"
	"testing"
	"time"
)

func TestStatusFromProperties(t *testing.T) {
	t.Parallel()
	exit := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	st := statusFrom("nginx", map[string]any{
		"LoadState":              "loaded",
		"ActiveState":            "failed",
		"SubState":               "failed",
		"ActiveExitTimestamp":    uint64(exit.UnixMicro()),
		"InactiveEnterTimestamp": uint64(0),
	})
	if st.IsActive() || st.Missing() || st.Active != "failed" {
		t.Fatalf("status %+v", st)
	}
	if !st.DownSince().Equal(exit) {
		t.Fatalf("down since %v, want %v", st.DownSince(), exit)
	}

	if !statusFrom("ghost", map[string]any{"LoadState": "not-found"}).Missing() {
		t.Fatal("not-found unit not reported missing")
	}
}

func TestNoSuchUnit(t *testing.T) {
	t.Parallel()
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x.service not loaded")) {
		t.Fatal("NoSuchUnit not detected")
	}
	if isNoSuchUnitErr(errors.New("connection reset")) || isNoSuchUnitErr(nil) {
		t.Fatal("false positive")
	}
}
