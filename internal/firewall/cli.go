package firewall

import (
	"context"
	"fmt"
	"strconv"

	"proxyvpn/internal/model"
	"proxyvpn/internal/runner"
)

// CLIBackend expresses the same rule sets as argv vectors for nft(8)
// or iptables(8), used when the native netlink path fails. The cleanup
// invocations that open each apply are best-effort (RunCaptureAllowFail);
// every invocation after them goes through Run, and the first failure
// aborts the apply with an error.
type CLIBackend struct {
	run  *runner.Runner
	tool string // "nft" or "iptables", whichever is present
}

// NewCLI picks nft if present, else iptables.
func NewCLI(verbose bool) *CLIBackend {
	r := runner.New(verbose)
	tool := "nft"
	if !runner.BinaryPresent("nft") && runner.BinaryPresent("iptables") {
		tool = "iptables"
	}
	return &CLIBackend{run: r, tool: tool}
}

func (c *CLIBackend) Name() model.PacketFilterBackend { return model.BackendCLI }

func (c *CLIBackend) ApplyKillSwitch(ctx context.Context, cfg KillSwitchConfig) (model.PacketFilterRecord, error) {
	rec := model.PacketFilterRecord{Backend: model.BackendCLI, Table: KillSwitchTableName, Chain: KillSwitchChainName}
	if c.tool == "nft" {
		return rec, c.applyKillSwitchNft(ctx, cfg)
	}
	return rec, c.applyKillSwitchIptables(ctx, cfg)
}

func (c *CLIBackend) ApplyMark(ctx context.Context, cfg MarkConfig) (model.PacketFilterRecord, error) {
	rec := model.PacketFilterRecord{Backend: model.BackendCLI, Table: MarkTableName, Chain: MarkChainName}
	if c.tool == "nft" {
		return rec, c.applyMarkNft(ctx, cfg)
	}
	return rec, c.applyMarkIptables(ctx, cfg)
}

func (c *CLIBackend) RemoveKillSwitch(ctx context.Context) error {
	_ = c.run.RunCaptureAllowFail(ctx, "nft", "delete", "table", "ip", KillSwitchTableName)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-F", LegacyKillSwitchChain)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-D", "OUTPUT", "-j", LegacyKillSwitchChain)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-X", LegacyKillSwitchChain)
	return nil
}

func (c *CLIBackend) RemoveMark(ctx context.Context) error {
	_ = c.run.RunCaptureAllowFail(ctx, "nft", "delete", "table", "ip", MarkTableName)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-t", "mangle", "-F", LegacyMarkChain)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-t", "mangle", "-D", "OUTPUT", "-j", LegacyMarkChain)
	_ = c.run.RunCaptureAllowFail(ctx, "iptables", "-t", "mangle", "-X", LegacyMarkChain)
	return nil
}

func (c *CLIBackend) applyKillSwitchNft(ctx context.Context, cfg KillSwitchConfig) error {
	_ = c.run.RunCaptureAllowFail(ctx, "nft", "delete", "table", "ip", KillSwitchTableName)
	if err := c.run.Run(ctx, "nft", "add", "table", "ip", KillSwitchTableName); err != nil {
		return fmt.Errorf("cli: add table: %w", err)
	}
	if err := c.run.Run(ctx, "nft", "add", "chain", "ip", KillSwitchTableName, KillSwitchChainName,
		"{", "type", "filter", "hook", "output", "priority", "0", ";", "policy", "drop", ";", "}"); err != nil {
		return fmt.Errorf("cli: add chain: %w", err)
	}
	for _, r := range BuildKillSwitchRules(cfg) {
		args := killSwitchNftArgs(r)
		if len(args) == 0 {
			continue
		}
		full := append([]string{"add", "rule", "ip", KillSwitchTableName, KillSwitchChainName}, args...)
		if err := c.run.Run(ctx, "nft", full...); err != nil {
			return fmt.Errorf("cli: add rule %v: %w", r, err)
		}
	}
	return nil
}

func (c *CLIBackend) applyMarkNft(ctx context.Context, cfg MarkConfig) error {
	_ = c.run.RunCaptureAllowFail(ctx, "nft", "delete", "table", "ip", MarkTableName)
	if err := c.run.Run(ctx, "nft", "add", "table", "ip", MarkTableName); err != nil {
		return fmt.Errorf("cli: add table: %w", err)
	}
	if err := c.run.Run(ctx, "nft", "add", "chain", "ip", MarkTableName, MarkChainName,
		"{", "type", "route", "hook", "output", "priority", "-150", ";", "policy", "accept", ";", "}"); err != nil {
		return fmt.Errorf("cli: add chain: %w", err)
	}
	for _, r := range BuildMarkRules(cfg) {
		args := markNftArgs(r)
		if len(args) == 0 {
			continue
		}
		full := append([]string{"add", "rule", "ip", MarkTableName, MarkChainName}, args...)
		if err := c.run.Run(ctx, "nft", full...); err != nil {
			return fmt.Errorf("cli: add rule %v: %w", r, err)
		}
	}
	return nil
}

func killSwitchNftArgs(r KillSwitchRule) []string {
	switch r.Kind {
	case RuleAcceptLoopback:
		return []string{"oifname", "lo", "accept"}
	case RuleAcceptIface:
		return []string{"oifname", r.Iface, "accept"}
	case RuleAcceptMark:
		return []string{"meta", "mark", strconv.FormatUint(uint64(r.Mark), 10), "accept"}
	case RuleAcceptProxyIP, RuleAcceptDNS:
		return []string{"ip", "daddr", r.IP.String(), r.Proto, "dport", strconv.Itoa(int(r.Port)), "accept"}
	case RuleDefaultDrop:
		return []string{"drop"}
	default:
		return nil
	}
}

func markNftArgs(r MarkRule) []string {
	switch r.Kind {
	case RuleAcceptNonTCP:
		return []string{"meta", "l4proto", "!=", "tcp", "accept"}
	case RuleAcceptExcludedDst:
		return []string{"ip", "daddr", r.IP.String(), "accept"}
	case RuleSetMark:
		return []string{"meta", "l4proto", "tcp", "meta", "mark", "set", strconv.FormatUint(uint64(r.Mark), 10)}
	default:
		return nil
	}
}

// applyKillSwitchIptables is the legacy-backend equivalent, expressed
// against a dedicated PROXYVPN chain jumped to from OUTPUT.
func (c *CLIBackend) applyKillSwitchIptables(ctx context.Context, cfg KillSwitchConfig) error {
	_ = c.RemoveKillSwitch(ctx)
	if err := c.run.Run(ctx, "iptables", "-N", LegacyKillSwitchChain); err != nil {
		return fmt.Errorf("cli: new chain: %w", err)
	}
	if err := c.run.Run(ctx, "iptables", "-A", "OUTPUT", "-j", LegacyKillSwitchChain); err != nil {
		return fmt.Errorf("cli: jump to chain: %w", err)
	}
	for _, r := range BuildKillSwitchRules(cfg) {
		args := killSwitchIptablesArgs(r)
		if len(args) == 0 {
			continue
		}
		full := append([]string{"-A", LegacyKillSwitchChain}, args...)
		if err := c.run.Run(ctx, "iptables", full...); err != nil {
			return fmt.Errorf("cli: append rule %v: %w", r, err)
		}
	}
	return nil
}

func killSwitchIptablesArgs(r KillSwitchRule) []string {
	switch r.Kind {
	case RuleAcceptLoopback:
		return []string{"-o", "lo", "-j", "ACCEPT"}
	case RuleAcceptIface:
		return []string{"-o", r.Iface, "-j", "ACCEPT"}
	case RuleAcceptMark:
		return []string{"-m", "mark", "--mark", strconv.FormatUint(uint64(r.Mark), 10), "-j", "ACCEPT"}
	case RuleAcceptProxyIP, RuleAcceptDNS:
		return []string{"-p", r.Proto, "-d", r.IP.String(), "--dport", strconv.Itoa(int(r.Port)), "-j", "ACCEPT"}
	case RuleDefaultDrop:
		return []string{"-j", "DROP"}
	default:
		return nil
	}
}

func (c *CLIBackend) applyMarkIptables(ctx context.Context, cfg MarkConfig) error {
	_ = c.RemoveMark(ctx)
	if err := c.run.Run(ctx, "iptables", "-t", "mangle", "-N", LegacyMarkChain); err != nil {
		return fmt.Errorf("cli: new chain: %w", err)
	}
	if err := c.run.Run(ctx, "iptables", "-t", "mangle", "-A", "OUTPUT", "-j", LegacyMarkChain); err != nil {
		return fmt.Errorf("cli: jump to chain: %w", err)
	}
	for _, r := range BuildMarkRules(cfg) {
		args := markIptablesArgs(r)
		if len(args) == 0 {
			continue
		}
		full := append([]string{"-t", "mangle", "-A", LegacyMarkChain}, args...)
		if err := c.run.Run(ctx, "iptables", full...); err != nil {
			return fmt.Errorf("cli: append rule %v: %w", r, err)
		}
	}
	return nil
}

func markIptablesArgs(r MarkRule) []string {
	switch r.Kind {
	case RuleAcceptNonTCP:
		return []string{"-p", "!", "tcp", "-j", "ACCEPT"}
	case RuleAcceptExcludedDst:
		return []string{"-d", r.IP.String(), "-j", "ACCEPT"}
	case RuleSetMark:
		return []string{"-p", "tcp", "-j", "MARK", "--set-mark", strconv.FormatUint(uint64(r.Mark), 10)}
	default:
		return nil
	}
}
