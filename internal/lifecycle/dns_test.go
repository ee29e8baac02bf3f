package lifecycle

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestParseResolvConf_IgnoresCommentsAndBlank(t *testing.T) {
	input := "\n# comment\nnameserver 192.168.1.1\n\nnameserver 1.1.1.1\nnot_a_nameserver 9.9.9.9\n"
	ips := parseResolvConf(input)
	if len(ips) != 2 {
		t.Fatalf("got %d ips, want 2: %v", len(ips), ips)
	}
	if !ips[0].Equal(net.ParseIP("192.168.1.1")) || !ips[1].Equal(net.ParseIP("1.1.1.1")) {
		t.Fatalf("ips = %v", ips)
	}
}

// TestDNSAllowListFallThrough proves spec.md §8 scenario 4: a primary
// resolv.conf with only the systemd-resolved loopback stub falls
// through to the systemd resolv file.
func TestDNSAllowListFallThrough(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "resolv.conf")
	systemd := filepath.Join(dir, "systemd-resolv.conf")
	if err := os.WriteFile(primary, []byte("nameserver 127.0.0.53\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(systemd, []byte("nameserver 1.1.1.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	restorePrimary := primaryResolvConf
	restoreSystemd := systemdResolvConf
	primaryResolvConf, systemdResolvConf = primary, systemd
	defer func() { primaryResolvConf, systemdResolvConf = restorePrimary, restoreSystemd }()

	got := resolveDNSAllowList(nil, nil)
	if len(got) != 1 || !got[0].Equal(net.ParseIP("1.1.1.1")) {
		t.Fatalf("got %v, want [1.1.1.1]", got)
	}
}

func TestResolveDNSAllowList_OverridesWinOutright(t *testing.T) {
	got := resolveDNSAllowList([]net.IP{net.ParseIP("8.8.8.8")}, nil)
	if len(got) != 1 || !got[0].Equal(net.ParseIP("8.8.8.8")) {
		t.Fatalf("got %v, want [8.8.8.8]", got)
	}
}

func TestResolveDNSAllowList_ExtraPrepended(t *testing.T) {
	got := resolveDNSAllowList([]net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("8.8.4.4")}, net.ParseIP("9.9.9.9"))
	want := []string{"9.9.9.9", "8.8.8.8", "8.8.4.4"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i, ip := range got {
		if ip.String() != want[i] {
			t.Fatalf("got[%d] = %s, want %s", i, ip, want[i])
		}
	}
}
