package firewall

import (
	"context"
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"proxyvpn/internal/model"
)

// NativeBackend builds an ordered batch over the kernel's netfilter
// netlink interface and commits it atomically by exchanging batch
// messages with the kernel (the nftables.Conn type matches outgoing
// and incoming sequence numbers internally on Flush).
type NativeBackend struct{}

// NewNative returns the native nftables backend.
func NewNative() *NativeBackend { return &NativeBackend{} }

func (n *NativeBackend) Name() model.PacketFilterBackend { return model.BackendNative }

func (n *NativeBackend) conn() (*nftables.Conn, error) {
	c, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables: open netlink socket: %w", err)
	}
	return c, nil
}

// ApplyKillSwitch deletes the owned table (ignoring "not found"),
// recreates it with an output hook at priority 0 and default policy
// DROP, appends the accept rules, and commits.
func (n *NativeBackend) ApplyKillSwitch(ctx context.Context, cfg KillSwitchConfig) (model.PacketFilterRecord, error) {
	rec := model.PacketFilterRecord{Backend: model.BackendNative, Table: KillSwitchTableName, Chain: KillSwitchChainName}
	c, err := n.conn()
	if err != nil {
		return rec, err
	}

	deleteTableByName(c, KillSwitchTableName)

	table := c.AddTable(&nftables.Table{Name: KillSwitchTableName, Family: nftables.TableFamilyIPv4})
	policy := nftables.ChainPolicyDrop
	chain := c.AddChain(&nftables.Chain{
		Name:     KillSwitchChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	for _, r := range BuildKillSwitchRules(cfg) {
		c.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: killSwitchExprs(r),
		})
	}

	if err := c.Flush(); err != nil {
		return rec, fmt.Errorf("nftables: commit kill-switch table: %w", err)
	}
	return rec, nil
}

// ApplyMark installs the type-route chain at hook output, priority
// -150, default policy ACCEPT, with first-match-wins ordering.
func (n *NativeBackend) ApplyMark(ctx context.Context, cfg MarkConfig) (model.PacketFilterRecord, error) {
	rec := model.PacketFilterRecord{Backend: model.BackendNative, Table: MarkTableName, Chain: MarkChainName}
	c, err := n.conn()
	if err != nil {
		return rec, err
	}

	deleteTableByName(c, MarkTableName)

	table := c.AddTable(&nftables.Table{Name: MarkTableName, Family: nftables.TableFamilyIPv4})
	policy := nftables.ChainPolicyAccept
	markPriority := nftables.ChainPriority(-150)
	chain := c.AddChain(&nftables.Chain{
		Name:     MarkChainName,
		Table:    table,
		Type:     nftables.ChainTypeRoute,
		Hooknum:  nftables.ChainHookOutput,
		Priority: markPriority,
		Policy:   &policy,
	})

	for _, r := range BuildMarkRules(cfg) {
		c.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: markExprs(r),
		})
	}

	if err := c.Flush(); err != nil {
		return rec, fmt.Errorf("nftables: commit mark table: %w", err)
	}
	return rec, nil
}

func (n *NativeBackend) RemoveKillSwitch(ctx context.Context) error {
	c, err := n.conn()
	if err != nil {
		return err
	}
	deleteTableByName(c, KillSwitchTableName)
	if err := c.Flush(); err != nil {
		return fmt.Errorf("nftables: remove kill-switch table: %w", err)
	}
	return nil
}

func (n *NativeBackend) RemoveMark(ctx context.Context) error {
	c, err := n.conn()
	if err != nil {
		return err
	}
	deleteTableByName(c, MarkTableName)
	if err := c.Flush(); err != nil {
		return fmt.Errorf("nftables: remove mark table: %w", err)
	}
	return nil
}

func deleteTableByName(c *nftables.Conn, name string) {
	tables, err := c.ListTables()
	if err != nil {
		return
	}
	for _, t := range tables {
		if t.Name == name && t.Family == nftables.TableFamilyIPv4 {
			c.DelTable(t)
		}
	}
}

// killSwitchExprs renders one built KillSwitchRule to an nftables
// expression chain.
func killSwitchExprs(r KillSwitchRule) []expr.Any {
	switch r.Kind {
	case RuleAcceptLoopback:
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes("lo")},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleAcceptIface:
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(r.Iface)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleAcceptMark:
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(r.Mark)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleAcceptProxyIP, RuleAcceptDNS:
		proto := uint8(unix.IPPROTO_TCP)
		if r.Proto == "udp" {
			proto = unix.IPPROTO_UDP
		}
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: r.IP.To4()},
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseNetworkHeader, Offset: 9, Len: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{proto}},
			&expr.Payload{DestRegister: 3, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 3, Data: binaryutil.BigEndian.PutUint16(r.Port)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleDefaultDrop:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}}
	default:
		return nil
	}
}

// markExprs renders one built MarkRule to an nftables expression
// chain.
func markExprs(r MarkRule) []expr.Any {
	switch r.Kind {
	case RuleAcceptNonTCP:
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 9, Len: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{uint8(unix.IPPROTO_TCP)}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleAcceptExcludedDst:
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: r.IP.To4()},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}
	case RuleSetMark:
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 9, Len: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{uint8(unix.IPPROTO_TCP)}},
			&expr.Immediate{Register: 2, Data: binaryutil.NativeEndian.PutUint32(r.Mark)},
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 2, SourceRegister: true},
		}
	default:
		return nil
	}
}

func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}
