// Package tunstack is the in-memory link-layer device and embedded
// TCP/IP engine (C5): a channel.Endpoint exposes the rx/tx FIFOs the
// TUN bridge (C7) drives, and an any-IP gVisor stack terminates flows
// so the TUN bridge can open per-destination listeners on demand and
// hand their accepted connections to the flow manager (C6).
package tunstack

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"

	"proxyvpn/internal/model"
)

const (
	nicID              tcpip.NICID = 1
	socketBufferBytes              = 64 * 1024
	defaultQueueDepth              = 4096
)

// Stack owns the channel endpoint (the two-FIFO queue device) and the
// gVisor stack configured with TunConfig's single IPv4 CIDR, any-IP
// mode, and a default route via the TUN's own address.
type Stack struct {
	S   *stack.Stack
	ep  *channel.Endpoint
	mtu uint32
}

// New builds the queue device + stack for the given TUN config. mtu
// defaults to 1500 if 0.
func New(cfg model.TunConfig, mtu int) (*Stack, error) {
	if mtu <= 0 {
		mtu = 1500
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	ep := channel.New(defaultQueueDepth, uint32(mtu), "")

	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("tunstack: create NIC: %v", err)
	}
	// Any-IP mode: accept/originate traffic for destinations the NIC
	// does not literally own, since the TUN appears to have a route to
	// the whole Internet.
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("tunstack: set promiscuous: %v", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("tunstack: set spoofing: %v", err)
	}

	ip4 := cfg.IPv4.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("tunstack: tun ip %s is not IPv4", cfg.IPv4)
	}
	addr := tcpip.AddrFromSlice(ip4)
	protoAddr := tcpip.ProtocolAddress{
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: cfg.PrefixLength},
		Protocol:          ipv4.ProtocolNumber,
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("tunstack: add protocol address: %v", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, Gateway: addr, NIC: nicID},
	})

	setBufferSizes(s)

	return &Stack{S: s, ep: ep, mtu: uint32(mtu)}, nil
}

func setBufferSizes(s *stack.Stack) {
	rcv := tcpip.TCPReceiveBufferSizeRangeOption{Min: 1, Default: socketBufferBytes, Max: socketBufferBytes}
	_ = s.SetTransportProtocolOption(tcp.ProtocolNumber, &rcv)
	snd := tcpip.TCPSendBufferSizeRangeOption{Min: 1, Default: socketBufferBytes, Max: socketBufferBytes}
	_ = s.SetTransportProtocolOption(tcp.ProtocolNumber, &snd)
}

// InjectInbound pushes a raw IPv4 packet read from the TUN into the
// device's rx FIFO.
func (st *Stack) InjectInbound(pkt []byte) {
	if len(pkt) == 0 || pkt[0]>>4 != 4 {
		return
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
	})
	st.ep.InjectInbound(ipv4.ProtocolNumber, pb)
	pb.DecRef()
}

// ReadOutbound drains one packet from the device's tx FIFO, non
// -blocking. ok is false when the FIFO is currently empty.
func (st *Stack) ReadOutbound() (pkt []byte, ok bool) {
	pb := st.ep.Read()
	if pb == nil {
		return nil, false
	}
	defer pb.DecRef()
	v := pb.ToView()
	return append([]byte(nil), v.AsSlice()...), true
}

// Listen opens a per-destination listener: the "socket whose listen()
// endpoint is the flow's destination" from spec.md §4.5/§4.7. One
// listener serves every flow addressed to that exact (ip, port); each
// Accept() call yields a new per-flow connection.
func (st *Stack) Listen(ip net.IP, port uint16) (*gonet.TCPListener, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("tunstack: listen address %s is not IPv4", ip)
	}
	addr := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(ip4),
		Port: port,
	}
	l, err := gonet.ListenTCP(st.S, addr, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("tunstack: listen %s:%d: %v", ip, port, err)
	}
	return l, nil
}
