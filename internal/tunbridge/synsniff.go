package tunbridge

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"proxyvpn/internal/model"
)

// destKey identifies one destination (ip, port) a per-destination
// gonet listener is opened for.
type destKey struct {
	IP   [4]byte
	Port uint16
}

// sniffSYN inspects a raw IPv4 packet read off the TUN and reports
// whether it is a new flow's opening SYN (SYN set, ACK clear per §4.7),
// returning the destination it targets. Non-IPv4, non-TCP, or
// malformed packets are ignored.
func sniffSYN(pkt []byte) (dst destKey, ok bool) {
	if len(pkt) < header.IPv4MinimumSize || pkt[0]>>4 != 4 {
		return destKey{}, false
	}
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		return destKey{}, false
	}
	if ip.TransportProtocol() != header.TCPProtocolNumber {
		return destKey{}, false
	}
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen+header.TCPMinimumSize {
		return destKey{}, false
	}
	tcp := header.TCP(pkt[hlen:])
	flags := tcp.Flags()
	if flags&header.TCPFlagSyn == 0 || flags&header.TCPFlagAck != 0 {
		return destKey{}, false
	}

	var ipArr [4]byte
	copy(ipArr[:], ip.DestinationAddress().AsSlice())
	return destKey{IP: ipArr, Port: tcp.DestinationPort()}, true
}

// flowKeyFromPacket extracts the full 4-tuple from a SYN packet, for
// logging/diagnostics; the authoritative key used to register the flow
// still comes from the accepted gonet connection's addresses.
func flowKeyFromPacket(pkt []byte) (model.FlowKey, bool) {
	if len(pkt) < header.IPv4MinimumSize || pkt[0]>>4 != 4 {
		return model.FlowKey{}, false
	}
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) || ip.TransportProtocol() != header.TCPProtocolNumber {
		return model.FlowKey{}, false
	}
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen+header.TCPMinimumSize {
		return model.FlowKey{}, false
	}
	tcp := header.TCP(pkt[hlen:])

	var key model.FlowKey
	copy(key.SrcIP[:], ip.SourceAddress().AsSlice())
	copy(key.DstIP[:], ip.DestinationAddress().AsSlice())
	key.SrcPort = tcp.SourcePort()
	key.DstPort = tcp.DestinationPort()
	return key, true
}
