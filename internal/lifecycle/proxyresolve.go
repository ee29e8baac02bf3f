package lifecycle

import (
	"context"
	"fmt"
	"net"

	"proxyvpn/internal/model"
)

// resolveProxyIPs implements spec.md §4.9 step 2: caller-supplied
// overrides take precedence over a DNS lookup of the proxy host.
func resolveProxyIPs(ctx context.Context, proxy model.ProxyEndpoint, overrides []net.IP) ([]net.IP, error) {
	if len(overrides) > 0 {
		return overrides, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", proxy.Host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("lifecycle: resolve proxy host %q: %w", proxy.Host, err)
	}
	return ips, nil
}
