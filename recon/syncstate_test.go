package recon

import (
	"testing"
	"time"
)

func TestCutoffIsStale(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	if CutoffIsStale(nil, now, 30) {
		t.Fatal("nil cutoff already means full pull; never flag it stale")
	}

	recent := now.Add(-29 * 24 * time.Hour)
	if CutoffIsStale(&recent, now, 30) {
		t.Fatal("29 days old must not be stale at a 30 day limit")
	}

	old := now.Add(-31 * 24 * time.Hour)
	if !CutoffIsStale(&old, now, 30) {
		t.Fatal("31 days old must be stale at a 30 day limit")
	}
}
