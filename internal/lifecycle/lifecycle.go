// Package lifecycle is the lifecycle (C9): it assembles every other
// component, runs the setup sequence of spec.md §4.9, owns the
// shutdown channel, and guarantees ordered best-effort teardown (§7)
// on every exit path, including a setup failure partway through.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songgao/water"

	"proxyvpn/internal/diag"
	"proxyvpn/internal/firewall"
	"proxyvpn/internal/flowmgr"
	"proxyvpn/internal/model"
	"proxyvpn/internal/netctl"
	"proxyvpn/internal/proxyconn"
	"proxyvpn/internal/runner"
	"proxyvpn/internal/statestore"
	"proxyvpn/internal/tunbridge"
	"proxyvpn/internal/tunstack"
)

// Core owns every live component for the duration of one run. Its
// fields double as the teardown bookkeeping: teardown reads exactly
// the fields setup populated, in the order spec.md §7 names, so a
// partial setup tears down only what it actually installed.
type Core struct {
	cfg   Config
	run   *runner.Runner
	net   *netctl.Client
	store *statestore.Store

	ifce *water.Interface

	routesInstalled bool

	fwmarkPref     uint32
	fwmarkInstalled bool

	dnsBypassPrefs   []uint32
	proxyBypassPrefs []uint32

	markFilter firewall.Backend

	killSwitchEnabled bool
	killSwitchFilter  firewall.Backend

	lockHeld bool

	state model.PersistedState

	telemetry *diag.Telemetry
	events    *diag.EventBus
}

// New builds a Core for cfg, applying defaults for unset fields.
func New(cfg Config) *Core {
	full := cfg.withDefaults()
	return &Core{
		cfg:       full,
		run:       runner.New(full.Verbose),
		net:       netctl.New(),
		store:     statestore.New(full.StateDir),
		telemetry: diag.New(),
		events:    diag.NewEventBus(),
	}
}

// Run executes the full setup sequence, blocks until SIGINT/SIGTERM or
// the TUN bridge exits, then runs teardown. It implements spec.md §4.9
// steps 1-17 and §7.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridgeErrCh, err := c.setup(ctx)
	if err != nil {
		c.teardown(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-sigCh:
	case runErr = <-bridgeErrCh:
	case <-ctx.Done():
	}

	cancel()
	c.teardown(context.Background())
	return runErr
}

// setup runs steps 1-15 of spec.md §4.9, recording into Core's fields
// exactly what it installed so a mid-sequence failure still tears down
// correctly. It returns the channel the TUN bridge reports its
// terminal error on.
func (c *Core) setup(ctx context.Context) (<-chan error, error) {
	// 1. Preconditions.
	if !c.cfg.DryRun {
		if err := checkPreconditions(c.run); err != nil {
			return nil, err
		}
	}

	// 2. Resolve proxy IPs.
	proxyIPs, err := resolveProxyIPs(ctx, c.cfg.Proxy, c.cfg.ProxyIPOverrides)
	if err != nil {
		return nil, err
	}

	// 3. Resolve DNS allow-list.
	dnsAllow := resolveDNSAllowList(c.cfg.DNSAllowOverrides, c.cfg.ExtraDNS)

	// 4. Create state store, take the lock.
	if err := c.store.EnsureDir(); err != nil {
		return nil, err
	}
	if err := c.store.CreateLock(); err != nil {
		return nil, err
	}
	c.lockHeld = true

	// 5. Parse TUN CIDR; fail if an existing host address overlaps it.
	tunCfg, err := parseTunCIDR(c.cfg.TunCIDR)
	if err != nil {
		return nil, err
	}
	tunCfg.IfName = c.cfg.TunIfName
	if err := c.ensureTunCIDRFree(ctx, tunCfg); err != nil {
		return nil, err
	}

	// 6. Create the TUN device and configure its address.
	ifce, mtu, err := createTun(tunCfg)
	if err != nil {
		return nil, err
	}
	c.ifce = ifce
	if err := c.net.ConfigureTunAddress(ctx, tunCfg.IfName, tunCfg.IPv4, tunCfg.PrefixLength); err != nil {
		return nil, err
	}

	// 7. Default route in proxy_table via the TUN.
	if err := c.net.AddDefaultRouteToTable(ctx, tunCfg.IfName, tunCfg.IPv4, proxyTableID); err != nil {
		return nil, err
	}
	c.routesInstalled = true

	// 8. Snapshot rule priorities; allocate the fwmark priority.
	used, err := c.net.ExistingRulePrefs(ctx)
	if err != nil {
		return nil, err
	}
	c.fwmarkPref = netctl.NextPref(used, fwmarkPrefStart)

	// 9. Apply the connection-mark rules.
	excluded := append(append([]net.IP{}, proxyIPs...), dnsAllow...)
	markCfg := firewall.MarkConfig{ExcludedIPs: excluded, Mark: firewall.MarkRouteToProxy}
	if c.cfg.Verbose {
		log.Printf("lifecycle: connection-mark rules: %+v", firewall.BuildMarkRules(markCfg))
	}
	c.markFilter = firewall.NewNative()
	markRecord, err := c.markFilter.ApplyMark(ctx, markCfg)
	if err != nil {
		c.markFilter = firewall.NewCLI(c.cfg.Verbose)
		markRecord, err = c.markFilter.ApplyMark(ctx, markCfg)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: apply connection-mark table: %w", err)
		}
	}
	c.state.MarkFilter = &markRecord

	// 10. Install the fwmark rule.
	if err := c.net.AddRuleFwmarkTable(ctx, c.fwmarkPref, proxyTableID, firewall.MarkRouteToProxy); err != nil {
		return nil, err
	}
	c.fwmarkInstalled = true
	c.state.FwmarkRule = &model.RuleRecord{Pref: c.fwmarkPref}

	// 11. Install DNS bypass rules.
	for _, ip := range dnsAllow {
		pref := netctl.NextPref(used, dnsPrefStart)
		if err := c.net.AddRuleToIP(ctx, pref, ip, mainTableID); err != nil {
			return nil, err
		}
		c.dnsBypassPrefs = append(c.dnsBypassPrefs, pref)
		ipCopy := ip
		c.state.DNSBypassRules = append(c.state.DNSBypassRules, model.RuleRecord{Pref: pref, IP: &ipCopy})
	}

	// 12. Install proxy bypass rules.
	for _, ip := range proxyIPs {
		pref := netctl.NextPref(used, proxyPrefStart)
		if err := c.net.AddRuleToIP(ctx, pref, ip, mainTableID); err != nil {
			return nil, err
		}
		c.proxyBypassPrefs = append(c.proxyBypassPrefs, pref)
		ipCopy := ip
		c.state.ProxyBypassRules = append(c.state.ProxyBypassRules, model.RuleRecord{Pref: pref, IP: &ipCopy})
	}

	// 13. Kill-switch.
	if c.cfg.KillSwitch {
		c.killSwitchFilter = firewall.NewNative()
		ksCfg := firewall.KillSwitchConfig{
			TunIfName:  tunCfg.IfName,
			ProxyIPs:   proxyIPs,
			ProxyPort:  c.cfg.Proxy.Port,
			DNSAllow:   dnsAllow,
			BypassMark: firewall.MarkProxySocket,
		}
		if c.cfg.Verbose {
			log.Printf("lifecycle: kill-switch rules: %+v", firewall.BuildKillSwitchRules(ksCfg))
		}
		ksRecord, err := c.killSwitchFilter.ApplyKillSwitch(ctx, ksCfg)
		if err != nil {
			c.killSwitchFilter = firewall.NewCLI(c.cfg.Verbose)
			ksRecord, err = c.killSwitchFilter.ApplyKillSwitch(ctx, ksCfg)
			if err != nil {
				return nil, fmt.Errorf("lifecycle: apply kill switch: %w", err)
			}
		}
		c.killSwitchEnabled = true
		c.state.KillSwitchFilter = &ksRecord
	}
	c.state.KillSwitch = c.cfg.KillSwitch

	// 14. Persist state.
	c.state.SchemaVersion = model.CurrentSchemaVersion
	c.state.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	c.state.Tun = tunCfg
	c.state.ProxyHost = c.cfg.Proxy.Host
	c.state.ProxyPort = c.cfg.Proxy.Port
	c.state.ProxyTableID = proxyTableID
	c.state.DNSAllowList = ipsToStrings(dnsAllow)
	c.state.ResolvedProxyIPs = ipsToStrings(proxyIPs)
	if err := c.store.WriteState(c.state); err != nil {
		return nil, err
	}

	// 15. Spawn the TUN bridge.
	st, err := tunstack.New(tunCfg, mtu)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build engine stack: %w", err)
	}
	connector := flowmgr.FromProxyConn(c.cfg.Proxy, proxyconn.Options{
		SocketMark:     firewall.MarkProxySocket,
		ConnectTimeout: c.cfg.ConnectTimeout,
	})
	flows := flowmgr.New(connector, c.cfg.Verbose)
	flows.SetHooks(
		func(key model.FlowKey) {
			c.telemetry.FlowOpened()
			c.events.PublishFlowOpened(key.String())
		},
		func(key model.FlowKey) {
			c.telemetry.FlowClosed()
			c.events.PublishFlowClosed(key.String())
		},
		c.telemetry.ObserveBytes,
		c.telemetry.FlowRejected,
	)
	bridge := tunbridge.New(ifce, tunbridge.NewStackAdapter(st), flows, c.cfg.SweepInterval, c.cfg.Verbose)
	bridge.SetSweepHook(c.telemetry.SetLiveCounts)

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := diag.StartMetricsServer(ctx, c.cfg.MetricsAddr, c.telemetry); err != nil && c.cfg.Verbose {
				log.Printf("lifecycle: metrics server: %v", err)
			}
		}()
	}
	if c.cfg.EventsAddr != "" {
		go c.serveEvents(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- bridge.Run(ctx) }()

	return errCh, nil
}

// serveEvents runs the flow-event WebSocket endpoint until ctx is
// cancelled. It is independent of the metrics server so either can be
// enabled without the other.
func (c *Core) serveEvents(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", c.events.ServeWS)
	srv := &http.Server{Addr: c.cfg.EventsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && c.cfg.Verbose {
		log.Printf("lifecycle: events server: %v", err)
	}
}

// ensureTunCIDRFree fails if any existing host address lies in the
// same subnet as the requested TUN CIDR (spec.md §4.9 step 5).
func (c *Core) ensureTunCIDRFree(ctx context.Context, tunCfg model.TunConfig) error {
	existing, err := c.net.IPv4Addrs(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list existing addresses: %w", err)
	}
	for _, addr := range existing {
		if model.InTunSubnet(addr, tunCfg.IPv4, tunCfg.PrefixLength) {
			return fmt.Errorf("lifecycle: existing address %s overlaps tun cidr %s/%d", addr, tunCfg.IPv4, tunCfg.PrefixLength)
		}
	}
	return nil
}

// teardown runs spec.md §7's seven steps in the declared order, best
// effort: every step runs regardless of earlier failures, and it is
// safe to call teardown on a Core whose setup only partially
// completed (each step checks whether its own field was populated).
// It is also idempotent: every guarded field is cleared after use, so
// a second call skips those steps and repeats only the unguarded
// best-effort sweep of step 2, which removes nothing new.
func (c *Core) teardown(ctx context.Context) {
	// 1. Kill-switch.
	if c.killSwitchEnabled && c.killSwitchFilter != nil {
		if err := c.killSwitchFilter.RemoveKillSwitch(ctx); err != nil && c.cfg.Verbose {
			log.Printf("lifecycle: remove kill switch: %v", err)
		}
		c.killSwitchEnabled = false
	}

	// 2. Connection-mark table: best-effort sweep across both backends
	// and every known table name, since the record of which backend
	// actually succeeded may itself be stale or absent.
	firewall.BestEffortSweep(ctx, c.cfg.Verbose)
	c.markFilter = nil

	// 3. Fwmark rule.
	if c.fwmarkInstalled {
		c.net.DeleteRulePref(ctx, c.fwmarkPref)
		c.fwmarkInstalled = false
	}

	// 4. DNS bypass rules.
	for _, pref := range c.dnsBypassPrefs {
		c.net.DeleteRulePref(ctx, pref)
	}
	c.dnsBypassPrefs = nil

	// 5. Proxy bypass rules.
	for _, pref := range c.proxyBypassPrefs {
		c.net.DeleteRulePref(ctx, pref)
	}
	c.proxyBypassPrefs = nil

	// 6. All routes in proxy_table.
	if c.routesInstalled {
		c.net.DeleteRoutesInTable(ctx, proxyTableID)
		c.routesInstalled = false
	}

	if c.ifce != nil {
		c.ifce.Close()
		c.ifce = nil
	}

	// 7. State files.
	if c.lockHeld {
		if err := c.store.RemoveStateFiles(c.cfg.KeepLogs); err != nil && c.cfg.Verbose {
			log.Printf("lifecycle: remove state files: %v", err)
		}
		c.lockHeld = false
	}
}

func ipsToStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}
