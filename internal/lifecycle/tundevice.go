package lifecycle

import (
	"fmt"
	"net"

	"github.com/songgao/water"

	"proxyvpn/internal/model"
)

// createTun creates a brand-new TUN device named cfg.IfName with
// packet information disabled, matching spec.md §4.9 step 6 (the
// teacher's own tun_native_linux.go instead opens a pre-existing
// interface a wrapper script created; this core owns creation itself).
func createTun(cfg model.TunConfig) (*water.Interface, int, error) {
	wcfg := water.Config{DeviceType: water.TUN}
	wcfg.Name = cfg.IfName

	ifce, err := water.New(wcfg)
	if err != nil {
		return nil, 0, fmt.Errorf("lifecycle: create tun %q: %w", cfg.IfName, err)
	}

	ifi, err := net.InterfaceByName(cfg.IfName)
	mtu := 1500
	if err == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}
	return ifce, mtu, nil
}
