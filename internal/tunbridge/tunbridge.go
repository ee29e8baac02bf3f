// Package tunbridge is the TUN bridge (C7): it owns the TUN device,
// pumps packets between the TUN and the embedded stack (C5), sniffs
// outgoing SYNs to open per-destination listeners on demand, and hands
// each accepted connection to the flow manager (C6).
package tunbridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/songgao/water"

	"proxyvpn/internal/flowmgr"
	"proxyvpn/internal/model"
	"proxyvpn/internal/tunstack"
)

// listenerCloser is the subset of *gonet.TCPListener the bridge needs;
// named so tests can substitute a fake without pulling in gVisor.
type listenerCloser interface {
	Accept() (net.Conn, error)
	Close() error
}

// Stack is the subset of *tunstack.Stack the bridge drives.
type Stack interface {
	InjectInbound(pkt []byte)
	ReadOutbound() (pkt []byte, ok bool)
	Listen(ip net.IP, port uint16) (listenerCloser, error)
}

// stackAdapter adapts *tunstack.Stack's concrete *gonet.TCPListener
// return type to the listenerCloser interface above.
type stackAdapter struct{ st *tunstack.Stack }

func (a stackAdapter) InjectInbound(pkt []byte)            { a.st.InjectInbound(pkt) }
func (a stackAdapter) ReadOutbound() ([]byte, bool)        { return a.st.ReadOutbound() }
func (a stackAdapter) Listen(ip net.IP, port uint16) (listenerCloser, error) {
	return a.st.Listen(ip, port)
}

// NewStackAdapter wraps a *tunstack.Stack for use as a Bridge's Stack.
func NewStackAdapter(st *tunstack.Stack) Stack { return stackAdapter{st: st} }

// Bridge owns the TUN fd, the stack, and the flow manager, and runs the
// packet pump + SYN-sniff + accept loops until ctx is cancelled.
type Bridge struct {
	ifce  *water.Interface
	st    Stack
	flows *flowmgr.Manager

	sweepInterval time.Duration
	verbose       bool
	onSweep       func(flows, destinations int)

	mu        sync.Mutex
	listeners map[destKey]listenerCloser
}

// SetSweepHook registers an observer called with the live flow and
// destination-listener counts on every sweep tick. Intended for the
// diagnostics package's live-count gauges.
func (b *Bridge) SetSweepHook(onSweep func(flows, destinations int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSweep = onSweep
}

// New builds a Bridge over an already-opened TUN device, stack, and
// flow manager. sweepInterval is the reporting tick (spec.md's
// poll-delay loop, adapted for an asynchronous netstack: gVisor has no
// explicit "poll" step). Each tick only reads the live flow and
// destination-listener counts, logs them when verbose, and passes them
// to the sweep hook; flows leave the manager's table when they close.
func New(ifce *water.Interface, st Stack, flows *flowmgr.Manager, sweepInterval time.Duration, verbose bool) *Bridge {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	return &Bridge{
		ifce:          ifce,
		st:            st,
		flows:         flows,
		sweepInterval: sweepInterval,
		verbose:       verbose,
		listeners:     make(map[destKey]listenerCloser),
	}
}

// Run drives the TUN->stack pump, the stack->TUN pump, and the
// periodic sweep tick until ctx is cancelled or a pump fails.
func (b *Bridge) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- b.pumpTunToStack(ctx) }()
	go func() { errCh <- b.pumpStackToTun(ctx) }()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAllListeners()
			return nil
		case err := <-errCh:
			b.closeAllListeners()
			return err
		case <-ticker.C:
			flows, destinations := b.flows.Count(), b.listenerCount()
			if b.verbose {
				log.Printf("tunbridge: sweep tick, %d live flows, %d destinations", flows, destinations)
			}
			b.mu.Lock()
			onSweep := b.onSweep
			b.mu.Unlock()
			if onSweep != nil {
				onSweep(flows, destinations)
			}
		}
	}
}

func (b *Bridge) pumpTunToStack(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := b.ifce.Read(buf)
		if err != nil {
			return fmt.Errorf("tunbridge: read tun: %w", err)
		}
		pkt := append([]byte(nil), buf[:n]...)

		if dst, ok := sniffSYN(pkt); ok {
			b.ensureListener(ctx, dst)
		}

		b.st.InjectInbound(pkt)
	}
}

func (b *Bridge) pumpStackToTun(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, ok := b.st.ReadOutbound()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if _, err := b.ifce.Write(pkt); err != nil {
			return fmt.Errorf("tunbridge: write tun: %w", err)
		}
	}
}

// ensureListener opens the per-destination listener on first sight of
// a SYN to dst (spec.md §4.5/§4.7: "each destination is listened on
// exactly once") and spawns its accept loop.
func (b *Bridge) ensureListener(ctx context.Context, dst destKey) {
	b.mu.Lock()
	if _, exists := b.listeners[dst]; exists {
		b.mu.Unlock()
		return
	}
	ln, err := b.st.Listen(net.IP(dst.IP[:]), dst.Port)
	if err != nil {
		b.mu.Unlock()
		if b.verbose {
			log.Printf("tunbridge: listen %s:%d: %v", net.IP(dst.IP[:]), dst.Port, err)
		}
		return
	}
	b.listeners[dst] = ln
	b.mu.Unlock()

	go b.acceptLoop(ctx, dst, ln)
}

func (b *Bridge) acceptLoop(ctx context.Context, dst destKey, ln listenerCloser) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		key, ok := flowKeyFromAddrs(conn.LocalAddr(), conn.RemoteAddr())
		if !ok {
			conn.Close()
			continue
		}
		b.flows.Open(ctx, key, conn)
	}
}

func flowKeyFromAddrs(local, remote net.Addr) (model.FlowKey, bool) {
	lt, ok := local.(*net.TCPAddr)
	if !ok {
		return model.FlowKey{}, false
	}
	rt, ok := remote.(*net.TCPAddr)
	if !ok {
		return model.FlowKey{}, false
	}
	lip4 := lt.IP.To4()
	rip4 := rt.IP.To4()
	if lip4 == nil || rip4 == nil {
		return model.FlowKey{}, false
	}
	var key model.FlowKey
	copy(key.SrcIP[:], rip4)
	key.SrcPort = uint16(rt.Port)
	copy(key.DstIP[:], lip4)
	key.DstPort = uint16(lt.Port)
	return key, true
}

func (b *Bridge) closeAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ln := range b.listeners {
		ln.Close()
		delete(b.listeners, k)
	}
}

func (b *Bridge) listenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
