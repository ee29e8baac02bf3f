// Package flowmgr is the flow manager (C6): it holds the FlowKey->Flow
// table, drives the §4.6 state machine for each flow, and owns the
// per-flow upstream bridge task that dials the proxy (via
// internal/proxyconn) and shuttles bytes in both directions once
// connected.
package flowmgr

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"

	"proxyvpn/internal/model"
	"proxyvpn/internal/proxyconn"
)

// Connector dials the upstream for one flow. FromProxyConn builds one
// over proxyconn.Connect; a function type so tests can inject a fake.
type Connector func(ctx context.Context, targetIP net.IP, targetPort uint16) (*proxyconn.Result, error)

// Flow is one TCP flow bridging the engine-side accepted socket to the
// upstream proxy tunnel, per spec.md §3/§4.6.
type Flow struct {
	Key    model.FlowKey
	engine net.Conn

	mu        sync.Mutex
	connected bool
	upstream  net.Conn
	closed    bool

	toUpstream   *byteQueue
	fromUpstream *byteQueue

	done chan struct{}
}

func (f *Flow) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Manager owns the live flow table and spawns upstream bridge tasks.
type Manager struct {
	connect Connector
	verbose bool

	mu    sync.Mutex
	byKey map[model.FlowKey]*Flow

	onOpen   func(model.FlowKey)
	onClose  func(model.FlowKey)
	onBytes  func(toUpstream bool, n int)
	onReject func(reason string)
}

// New builds a Manager that dials upstream connections via connect.
func New(connect Connector, verbose bool) *Manager {
	return &Manager{connect: connect, verbose: verbose, byKey: make(map[model.FlowKey]*Flow)}
}

// SetHooks registers observers notified of flow lifecycle and traffic
// events: a flow opening or closing, bytes shuttled in each direction,
// and an upstream connect failure bucketed by reason. Any may be nil.
// Intended for the diagnostics package to mirror these into counters
// and the WebSocket event stream without flowmgr depending on it
// directly.
func (m *Manager) SetHooks(onOpen, onClose func(model.FlowKey), onBytes func(toUpstream bool, n int), onReject func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = onOpen
	m.onClose = onClose
	m.onBytes = onBytes
	m.onReject = onReject
}

// FromProxyConn adapts internal/proxyconn.Connect into a Connector bound
// to one proxy endpoint and dial options.
func FromProxyConn(proxy model.ProxyEndpoint, opts proxyconn.Options) Connector {
	return func(ctx context.Context, targetIP net.IP, targetPort uint16) (*proxyconn.Result, error) {
		return proxyconn.Connect(ctx, proxy, targetIP, targetPort, opts)
	}
}

// Open registers a newly accepted engine socket as a flow and spawns
// its upstream bridge task. engine is the net.Conn C7's accept loop
// received for this destination listener; key identifies the 4-tuple.
func (m *Manager) Open(ctx context.Context, key model.FlowKey, engine net.Conn) *Flow {
	f := &Flow{
		Key:          key,
		engine:       engine,
		toUpstream:   newByteQueue(),
		fromUpstream: newByteQueue(),
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.byKey[key] = f
	onOpen := m.onOpen
	m.mu.Unlock()

	if onOpen != nil {
		onOpen(key)
	}

	go m.pumpEngineReads(f)
	go m.pumpEngineWrites(f)
	go m.bridgeUpstream(ctx, f)

	return f
}

// Lookup returns the flow for key, if still live.
func (m *Manager) Lookup(key model.FlowKey) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byKey[key]
	return f, ok
}

// Count reports the number of live flows.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// pumpEngineReads is the single producer for toUpstream: it reads
// whatever the engine socket has, regardless of whether the upstream
// bridge has connected yet, preserving arrival order in the queue.
func (m *Manager) pumpEngineReads(f *Flow) {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.engine.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			f.toUpstream.push(chunk)
		}
		if err != nil {
			f.toUpstream.close()
			return
		}
	}
}

// pumpEngineWrites is the single consumer of fromUpstream: it writes
// whatever the upstream bridge has queued back to the engine socket,
// in FIFO order.
func (m *Manager) pumpEngineWrites(f *Flow) {
	for {
		select {
		case <-f.fromUpstream.notify:
			// Read closed before popping: the producer closes only after
			// its last push, so a queue seen closed here is fully popped.
			closed := f.fromUpstream.isClosed()
			for _, chunk := range f.fromUpstream.popAll() {
				if _, err := f.engine.Write(chunk); err != nil {
					m.closeFlow(f)
					return
				}
				if m.onBytes != nil {
					m.onBytes(false, len(chunk))
				}
			}
			if closed {
				m.closeFlow(f)
				return
			}
		case <-f.done:
			return
		}
	}
}

// bridgeUpstream is the upstream bridge task of spec.md §4.6: connect
// via C4, deliver any leftover bytes the proxy already sent, then
// drain toUpstream (in arrival order, covering bytes queued before the
// connect finished) while a second goroutine pumps upstream reads into
// fromUpstream.
func (m *Manager) bridgeUpstream(ctx context.Context, f *Flow) {
	res, err := m.connect(ctx, net.IP(f.Key.DstIP[:]), f.Key.DstPort)
	if err != nil {
		if m.verbose {
			log.Printf("flowmgr: %s: upstream connect failed: %v", f.Key, err)
		}
		if m.onReject != nil {
			m.onReject(rejectReason(err))
		}
		m.closeFlow(f)
		return
	}

	f.mu.Lock()
	f.upstream = res.Stream
	f.connected = true
	f.mu.Unlock()

	if len(res.Leftover) > 0 {
		f.fromUpstream.push(res.Leftover)
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := res.Stream.Read(buf)
			if n > 0 {
				f.fromUpstream.push(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				f.fromUpstream.close()
				return
			}
		}
	}()

	m.drainToUpstream(f)
}

// drainToUpstream repeatedly pops whatever toUpstream has accumulated
// (including bytes queued before this method was ever called, since the
// reader goroutine appends independently of connection state) and
// writes it to the upstream stream in order, until the queue is closed
// and empty.
func (m *Manager) drainToUpstream(f *Flow) {
	for {
		select {
		case <-f.toUpstream.notify:
			closed := f.toUpstream.isClosed()
			for _, chunk := range f.toUpstream.popAll() {
				if _, err := f.upstream.Write(chunk); err != nil {
					m.closeFlow(f)
					return
				}
				if m.onBytes != nil {
					m.onBytes(true, len(chunk))
				}
			}
			if closed {
				m.closeFlow(f)
				return
			}
		case <-f.done:
			return
		}
	}
}

func (m *Manager) closeFlow(f *Flow) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	close(f.done)
	f.engine.Close()
	if f.upstream != nil {
		f.upstream.Close()
	}

	m.mu.Lock()
	delete(m.byKey, f.Key)
	onClose := m.onClose
	m.mu.Unlock()

	if onClose != nil {
		onClose(f.Key)
	}
}

// rejectReason buckets an upstream connect failure by proxyconn's
// spec.md §7 error kinds, for the diagnostics package's
// flows_rejected_total counter.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, proxyconn.ErrResolveFailure):
		return "resolve"
	case errors.Is(err, proxyconn.ErrConnectTimeout):
		return "timeout"
	case errors.Is(err, proxyconn.ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, proxyconn.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, proxyconn.ErrProtocolInvalid):
		return "protocol_invalid"
	}
	var rej *proxyconn.ProxyRejected
	if errors.As(err, &rej) {
		return "proxy_rejected"
	}
	return "other"
}
