package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStatus(t *testing.T, capEffHex string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status")
	content := "Name:\tfoo\nCapEff:\t" + capEffHex + "\nSeccomp:\t0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHasNetAdminCapability_Present(t *testing.T) {
	// bit 12 set: 0x1000
	path := writeStatus(t, "0000000000001000")
	ok, err := hasNetAdminCapability(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatal("expected CAP_NET_ADMIN to be detected")
	}
}

func TestHasNetAdminCapability_Absent(t *testing.T) {
	path := writeStatus(t, "0000000000000000")
	ok, err := hasNetAdminCapability(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Fatal("expected no CAP_NET_ADMIN")
	}
}

func TestHasNetAdminCapability_FullCapsSet(t *testing.T) {
	path := writeStatus(t, "000001ffffffffff")
	ok, err := hasNetAdminCapability(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatal("expected CAP_NET_ADMIN among full cap set")
	}
}
