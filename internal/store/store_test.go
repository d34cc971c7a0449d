package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shuthost.db")
	s, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTakeWebIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.TakeWeb(ctx, "alpha"); err != nil {
		t.Fatalf("TakeWeb: %v", err)
	}
	if err := s.TakeWeb(ctx, "alpha"); err != nil {
		t.Fatalf("TakeWeb (2nd): %v", err)
	}

	leases, err := s.LeasesForHost(ctx, "alpha")
	if err != nil {
		t.Fatalf("LeasesForHost: %v", err)
	}
	if len(leases) != 1 || leases[0] != WebInterface {
		t.Errorf("leases = %v, want [WebInterface]", leases)
	}
}

func TestReleaseWebNotHeldIsNoop(t *testing.T) {
	s := openTest(t)
	if err := s.ReleaseWeb(context.Background(), "alpha"); err != nil {
		t.Errorf("ReleaseWeb on unheld lease: %v", err)
	}
}

func TestTakeClientAndWebCoexist(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.TakeClient(ctx, "alpha", "backup"); err != nil {
		t.Fatalf("TakeClient: %v", err)
	}
	if err := s.TakeWeb(ctx, "alpha"); err != nil {
		t.Fatalf("TakeWeb: %v", err)
	}

	leases, err := s.LeasesForHost(ctx, "alpha")
	if err != nil {
		t.Fatalf("LeasesForHost: %v", err)
	}
	if len(leases) != 2 {
		t.Errorf("leases = %v, want 2 entries", leases)
	}
}

func TestResetClientReturnsAffectedHosts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.TakeClient(ctx, "alpha", "backup"); err != nil {
		t.Fatalf("TakeClient: %v", err)
	}
	if err := s.TakeClient(ctx, "beta", "backup"); err != nil {
		t.Fatalf("TakeClient: %v", err)
	}

	hosts, err := s.ResetClient(ctx, "backup")
	if err != nil {
		t.Fatalf("ResetClient: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("hosts = %v, want 2", hosts)
	}

	hosts2, err := s.ResetClient(ctx, "backup")
	if err != nil {
		t.Fatalf("ResetClient (2nd): %v", err)
	}
	if len(hosts2) != 0 {
		t.Errorf("second reset affected %v, want none", hosts2)
	}
}

func TestSnapshotLeasesConsistentRead(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	s.TakeWeb(ctx, "alpha")
	s.TakeClient(ctx, "alpha", "backup")
	s.TakeClient(ctx, "beta", "backup")

	snap, err := s.SnapshotLeases(ctx)
	if err != nil {
		t.Fatalf("SnapshotLeases: %v", err)
	}
	if len(snap["alpha"]) != 2 {
		t.Errorf("alpha leases = %v, want 2", snap["alpha"])
	}
	if len(snap["beta"]) != 1 {
		t.Errorf("beta leases = %v, want 1", snap["beta"])
	}
}

func TestOverrideSetClear(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.SetOverride(ctx, "alpha", "10.0.0.99", 9090); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	overrides, err := s.Overrides(ctx)
	if err != nil {
		t.Fatalf("Overrides: %v", err)
	}
	if overrides["alpha"].IP != "10.0.0.99" {
		t.Errorf("override = %+v", overrides["alpha"])
	}

	if err := s.ClearOverride(ctx, "alpha"); err != nil {
		t.Fatalf("ClearOverride: %v", err)
	}
	overrides, _ = s.Overrides(ctx)
	if _, ok := overrides["alpha"]; ok {
		t.Error("override still present after clear")
	}
}

func TestPurgeHostRemovesEverything(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	s.TakeWeb(ctx, "alpha")
	s.TakeClient(ctx, "alpha", "backup")
	s.SetOverride(ctx, "alpha", "10.0.0.5", 9090)

	if err := s.PurgeHost(ctx, "alpha"); err != nil {
		t.Fatalf("PurgeHost: %v", err)
	}

	leases, _ := s.LeasesForHost(ctx, "alpha")
	if len(leases) != 0 {
		t.Errorf("leases after purge = %v", leases)
	}
	overrides, _ := s.Overrides(ctx)
	if _, ok := overrides["alpha"]; ok {
		t.Error("override survived purge")
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, ok, err := s.KVGet(ctx, "cookie_key"); err != nil || ok {
		t.Fatalf("KVGet on missing key: ok=%v err=%v", ok, err)
	}

	if err := s.KVPut(ctx, "cookie_key", "abc123"); err != nil {
		t.Fatalf("KVPut: %v", err)
	}
	val, ok, err := s.KVGet(ctx, "cookie_key")
	if err != nil || !ok || val != "abc123" {
		t.Fatalf("KVGet = %q, %v, %v", val, ok, err)
	}

	if err := s.KVPut(ctx, "cookie_key", "xyz789"); err != nil {
		t.Fatalf("KVPut (overwrite): %v", err)
	}
	val, _, _ = s.KVGet(ctx, "cookie_key")
	if val != "xyz789" {
		t.Errorf("val = %q, want xyz789", val)
	}
}
