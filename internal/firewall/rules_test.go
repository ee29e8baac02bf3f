package firewall

import (
	"net"
	"testing"
)

func TestBuildKillSwitchRules_Ordering(t *testing.T) {
	cfg := KillSwitchConfig{
		TunIfName:  "tun0",
		ProxyIPs:   []net.IP{net.ParseIP("203.0.113.1")},
		ProxyPort:  8080,
		DNSAllow:   []net.IP{net.ParseIP("1.1.1.1")},
		BypassMark: MarkProxySocket,
	}
	rules := BuildKillSwitchRules(cfg)
	if len(rules) == 0 {
		t.Fatal("no rules built")
	}

	last := rules[len(rules)-1]
	if last.Kind != RuleDefaultDrop {
		t.Fatalf("final rule kind = %v, want RuleDefaultDrop", last.Kind)
	}

	// The interface-accept rules for lo and the TUN precede any
	// destination-specific rule, and the mark-accept rule precedes all
	// destination accepts.
	var idxLoopback, idxIface, idxMark, idxFirstDst = -1, -1, -1, -1
	for i, r := range rules {
		switch r.Kind {
		case RuleAcceptLoopback:
			idxLoopback = i
		case RuleAcceptIface:
			idxIface = i
		case RuleAcceptMark:
			idxMark = i
		case RuleAcceptProxyIP, RuleAcceptDNS:
			if idxFirstDst == -1 {
				idxFirstDst = i
			}
		}
	}
	if idxLoopback == -1 || idxIface == -1 || idxMark == -1 || idxFirstDst == -1 {
		t.Fatalf("missing expected rule kinds: %+v", rules)
	}
	if !(idxLoopback < idxFirstDst && idxIface < idxFirstDst) {
		t.Fatalf("lo/tun accept rules must precede destination rules: lo=%d iface=%d dst=%d", idxLoopback, idxIface, idxFirstDst)
	}
	if idxMark >= idxFirstDst {
		t.Fatalf("mark-accept rule must precede destination accepts: mark=%d dst=%d", idxMark, idxFirstDst)
	}
}

func TestBuildKillSwitchRules_EmptyDNSAllowSkipsUDP(t *testing.T) {
	cfg := KillSwitchConfig{TunIfName: "tun0", BypassMark: MarkProxySocket}
	rules := BuildKillSwitchRules(cfg)
	for _, r := range rules {
		if r.Kind == RuleAcceptDNS && r.Proto == "udp" {
			t.Fatalf("unexpected UDP DNS accept rule with empty allow-list: %+v", r)
		}
	}
}

func TestBuildMarkRules_PreservesUDP(t *testing.T) {
	cfg := MarkConfig{
		ExcludedIPs: []net.IP{net.ParseIP("1.1.1.1")},
		Mark:        MarkRouteToProxy,
	}
	rules := BuildMarkRules(cfg)

	if rules[0].Kind != RuleAcceptNonTCP {
		t.Fatalf("first rule must accept non-TCP so UDP DNS is never marked, got %+v", rules[0])
	}

	last := rules[len(rules)-1]
	if last.Kind != RuleSetMark || last.Mark != MarkRouteToProxy {
		t.Fatalf("last rule must set the mark, got %+v", last)
	}

	// Every excluded IP must have an accept rule before the set-mark rule.
	for _, ip := range cfg.ExcludedIPs {
		found := false
		for _, r := range rules[:len(rules)-1] {
			if r.Kind == RuleAcceptExcludedDst && r.IP.Equal(ip) {
				found = true
			}
		}
		if !found {
			t.Fatalf("no accept rule found for excluded ip %s", ip)
		}
	}
}

func TestMarkConstants_Distinct(t *testing.T) {
	if MarkRouteToProxy == MarkProxySocket {
		t.Fatal("MarkRouteToProxy and MarkProxySocket must differ")
	}
	if MarkRouteToProxyMask != 0x1 {
		t.Fatalf("fwmark mask must be 0x1, got %#x", MarkRouteToProxyMask)
	}
}
