package lifecycle

import (
	"net"
	"os"
	"strings"

	"proxyvpn/internal/model"
)

var (
	primaryResolvConf = "/etc/resolv.conf"
	systemdResolvConf = "/run/systemd/resolve/resolv.conf"
)

// parseResolvConf extracts every "nameserver" IPv4 line from contents,
// in file order, ignoring comments and blank lines.
func parseResolvConf(contents string) []net.IP {
	var ips []net.IP
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rest, ok := strings.CutPrefix(line, "nameserver")
		if !ok {
			continue
		}
		ip := net.ParseIP(strings.TrimSpace(rest))
		if ip != nil && ip.To4() != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func readResolvConf(path string) []net.IP {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return parseResolvConf(string(data))
}

func allLoopback(ips []net.IP) bool {
	if len(ips) == 0 {
		return true
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// resolveDNSAllowList implements spec.md §4.9 step 3: caller overrides
// win outright; otherwise read /etc/resolv.conf, and if that yields
// only loopback addresses or nothing, read systemd-resolved's upstream
// resolv.conf as well; when that file lists any servers they replace
// the loopback-only result. extra, if non-nil, is prepended. Order is
// preserved and duplicates are dropped.
func resolveDNSAllowList(overrides []net.IP, extra net.IP) []net.IP {
	var ips []net.IP
	if len(overrides) > 0 {
		ips = append(ips, overrides...)
	} else {
		ips = readResolvConf(primaryResolvConf)
		if allLoopback(ips) {
			if fallback := readResolvConf(systemdResolvConf); len(fallback) > 0 {
				ips = fallback
			}
		}
	}
	if extra != nil {
		ips = append([]net.IP{extra}, ips...)
	}
	return model.DedupPreserveOrder(ips)
}
