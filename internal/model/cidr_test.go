package model

import (
	"net"
	"testing"
)

func TestInTunSubnet(t *testing.T) {
	tun := net.ParseIP("10.255.255.1")
	cases := []struct {
		addr   string
		prefix int
		want   bool
	}{
		{"10.255.255.2", 30, true},
		{"10.255.255.1", 30, true},
		{"10.255.255.5", 30, false},
		{"10.0.0.1", 8, true},
		{"11.0.0.1", 8, false},
		{"1.2.3.4", 0, true}, // prefix 0 matches everything
	}
	for _, c := range cases {
		got := InTunSubnet(net.ParseIP(c.addr), tun, c.prefix)
		if got != c.want {
			t.Errorf("InTunSubnet(%s, %s/%d) = %v, want %v", c.addr, tun, c.prefix, got, c.want)
		}
	}
}

func TestDedupPreserveOrder(t *testing.T) {
	in := []net.IP{
		net.ParseIP("1.1.1.1"),
		net.ParseIP("8.8.8.8"),
		net.ParseIP("1.1.1.1"),
		net.ParseIP("9.9.9.9"),
		net.ParseIP("8.8.8.8"),
	}
	out := DedupPreserveOrder(in)
	want := []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i, w := range want {
		if out[i].String() != w {
			t.Errorf("out[%d] = %s, want %s", i, out[i], w)
		}
	}
}

func TestDedupPreserveOrder_EmptyAndSingle(t *testing.T) {
	if out := DedupPreserveOrder(nil); len(out) != 0 {
		t.Fatalf("nil input: got %d elements", len(out))
	}
	single := []net.IP{net.ParseIP("1.2.3.4")}
	out := DedupPreserveOrder(single)
	if len(out) != 1 || out[0].String() != "1.2.3.4" {
		t.Fatalf("single input: got %v", out)
	}
}
