package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"proxyvpn/internal/model"
	"proxyvpn/internal/netctl"
	"proxyvpn/internal/runner"
	"proxyvpn/internal/statestore"
)

// TestTeardownIdempotent proves the §8 "teardown idempotence" property:
// calling teardown twice on the same Core, with nothing re-installed
// between calls, is safe and the second call is a silent no-op for
// every guarded field.
func TestTeardownIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := statestore.New(dir)
	if err := store.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := store.CreateLock(); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := store.WriteState(model.PersistedState{SchemaVersion: model.CurrentSchemaVersion}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	c := &Core{
		cfg:             Config{StateDir: dir}.withDefaults(),
		run:             runner.New(false),
		net:             netctl.New(),
		store:           store,
		lockHeld:        true,
		fwmarkInstalled: false,
		routesInstalled: false,
	}

	c.teardown(context.Background())
	if _, err := os.Stat(filepath.Join(dir, "lock")); !os.IsNotExist(err) {
		t.Fatal("expected lock file removed after first teardown")
	}
	if _, err := os.Stat(filepath.Join(dir, "state.json")); !os.IsNotExist(err) {
		t.Fatal("expected state.json removed after first teardown")
	}

	// Second call must not panic or error even though every
	// guarded field was already cleared.
	c.teardown(context.Background())
}

func TestParseTunCIDR(t *testing.T) {
	cfg, err := parseTunCIDR("10.255.255.1/30")
	if err != nil {
		t.Fatalf("parseTunCIDR: %v", err)
	}
	if cfg.PrefixLength != 30 || cfg.IPv4.String() != "10.255.255.1" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseTunCIDR_Invalid(t *testing.T) {
	cases := []string{"not-an-ip/30", "10.0.0.1", "10.0.0.1/33", "10.0.0.1/0"}
	for _, c := range cases {
		if _, err := parseTunCIDR(c); err == nil {
			t.Fatalf("parseTunCIDR(%q): expected error", c)
		}
	}
}
