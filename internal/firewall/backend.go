package firewall

import (
	"context"

	"proxyvpn/internal/model"
)

// Backend applies and removes a named table/chain of rules. Both the
// kill-switch and the connection-mark table are modeled as a tagged
// variant over this one contract rather than an inheritance hierarchy.
type Backend interface {
	ApplyKillSwitch(ctx context.Context, cfg KillSwitchConfig) (model.PacketFilterRecord, error)
	ApplyMark(ctx context.Context, cfg MarkConfig) (model.PacketFilterRecord, error)
	RemoveKillSwitch(ctx context.Context) error
	RemoveMark(ctx context.Context) error
	Name() model.PacketFilterBackend
}

// BestEffortSweep tries every known owned table/chain name against
// every known backend, ignoring all errors. It takes no state and is
// meant for teardown paths where the persisted record may be stale or
// missing.
func BestEffortSweep(ctx context.Context, verbose bool) {
	native := NewNative()
	cli := NewCLI(verbose)
	for _, b := range []Backend{native, cli} {
		_ = b.RemoveKillSwitch(ctx)
		_ = b.RemoveMark(ctx)
	}
}
