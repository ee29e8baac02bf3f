// Package netctl wraps rtnetlink operations used by the control plane:
// listing addresses, installing/removing the proxy-table default
// route, and installing/removing policy-routing rules.
//
// All operations round-trip through a single netlink socket owned by
// the underlying library; each call here runs the blocking netlink
// request in its own goroutine and reports back on a channel, so a
// caller driving a select loop never blocks a worker thread longer
// than one syscall would (see spec.md §5).
package netctl

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
)

// Client is a typed wrapper over rtnetlink for IPv4-only operations.
type Client struct{}

// New returns a netlink Client.
func New() *Client { return &Client{} }

func runAsync[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}

// IPv4Addrs returns every address attribute (Address or Local) from
// every link, sorted and deduplicated.
func (c *Client) IPv4Addrs(ctx context.Context) ([]net.IP, error) {
	return runAsync(ctx, func() ([]net.IP, error) {
		addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("netlink: list addrs: %w", err)
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IPNet.IP)
			if a.Peer != nil && a.Peer.IP != nil {
				ips = append(ips, a.Peer.IP)
			}
		}
		sort.Slice(ips, func(i, j int) bool {
			return ips[i].String() < ips[j].String()
		})
		return dedup(ips), nil
	})
}

func dedup(ips []net.IP) []net.IP {
	seen := make(map[string]struct{}, len(ips))
	out := ips[:0]
	for _, ip := range ips {
		k := ip.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ip)
	}
	return out
}

// AddDefaultRouteToTable installs 0.0.0.0/0 dev ifname src prefSrc
// table tableID, replacing any existing matching route.
func (c *Client) AddDefaultRouteToTable(ctx context.Context, ifname string, prefSrc net.IP, tableID int) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return struct{}{}, fmt.Errorf("netlink: link by name %q: %w", ifname, err)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       nil, // default route
			Src:       prefSrc,
			Table:     tableID,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return struct{}{}, fmt.Errorf("netlink: replace default route table %d: %w", tableID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteRoutesInTable deletes every IPv4 route whose table id equals
// tableID. Individual deletion failures are ignored.
func (c *Client) DeleteRoutesInTable(ctx context.Context, tableID int) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: tableID}, netlink.RT_FILTER_TABLE)
		if err != nil {
			return struct{}{}, fmt.Errorf("netlink: list routes table %d: %w", tableID, err)
		}
		for _, rt := range routes {
			t := rt.Table
			_ = t
			_ = netlink.RouteDel(&rt) // best effort
		}
		return struct{}{}, nil
	})
	return err
}

// AddRuleFwmarkTable installs `from all fwmark mark/0x1 lookup table
// priority pref`.
func (c *Client) AddRuleFwmarkTable(ctx context.Context, pref uint32, table int, mark uint32) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		rule := netlink.NewRule()
		rule.Priority = int(pref)
		rule.Table = table
		rule.Mark = int(mark)
		rule.Mask = ptrInt(0x1)
		rule.Family = netlink.FAMILY_V4
		if err := netlink.RuleAdd(rule); err != nil {
			return struct{}{}, fmt.Errorf("netlink: add fwmark rule pref %d: %w", pref, err)
		}
		return struct{}{}, nil
	})
	return err
}

func ptrInt(v int) *int { return &v }

// AddRuleToIP installs `to ip/32 lookup table priority pref`.
func (c *Client) AddRuleToIP(ctx context.Context, pref uint32, ip net.IP, table int) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		rule := netlink.NewRule()
		rule.Priority = int(pref)
		rule.Table = table
		rule.Family = netlink.FAMILY_V4
		rule.Dst = &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}
		if err := netlink.RuleAdd(rule); err != nil {
			return struct{}{}, fmt.Errorf("netlink: add to-ip rule pref %d ip %s: %w", pref, ip, err)
		}
		return struct{}{}, nil
	})
	return err
}

// ConfigureTunAddress assigns ip/prefix to ifname and brings the link
// up, with packet information left disabled (the caller created the
// TUN device that way).
func (c *Client) ConfigureTunAddress(ctx context.Context, ifname string, ip net.IP, prefix int) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return struct{}{}, fmt.Errorf("netlink: link by name %q: %w", ifname, err)
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(prefix, 32)}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return struct{}{}, fmt.Errorf("netlink: add address %s/%d to %q: %w", ip, prefix, ifname, err)
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return struct{}{}, fmt.Errorf("netlink: set %q up: %w", ifname, err)
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteRulePref deletes every IPv4 rule whose priority equals pref.
// Best effort.
func (c *Client) DeleteRulePref(ctx context.Context, pref uint32) error {
	_, err := runAsync(ctx, func() (struct{}, error) {
		rule := netlink.NewRule()
		rule.Priority = int(pref)
		rule.Family = netlink.FAMILY_V4
		_ = netlink.RuleDel(rule) // best effort
		return struct{}{}, nil
	})
	return err
}

// ExistingRulePrefs returns a snapshot of currently used IPv4 rule
// priorities.
func (c *Client) ExistingRulePrefs(ctx context.Context) (map[uint32]struct{}, error) {
	return runAsync(ctx, func() (map[uint32]struct{}, error) {
		rules, err := netlink.RuleList(netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("netlink: list rules: %w", err)
		}
		out := make(map[uint32]struct{}, len(rules))
		for _, r := range rules {
			out[uint32(r.Priority)] = struct{}{}
		}
		return out, nil
	})
}
