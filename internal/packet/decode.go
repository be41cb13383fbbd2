// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// FromGopacket converts a decoded packet into a Record. Packets without an
// IP layer return false.
func FromGopacket(p gopacket.Packet) (Record, bool) {
	var rec Record

	if md := p.Metadata(); md != nil {
		rec.Timestamp = md.Timestamp
	}

	if ipv4 := p.Layer(layers.LayerTypeIPv4); ipv4 != nil {
		ip := ipv4.(*layers.IPv4)
		rec.SrcAddr, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		rec.DstAddr, _ = netip.AddrFromSlice(ip.DstIP.To4())
		rec.Protocol = uint8(ip.Protocol)
		rec.Length = uint32(ip.Length)
		if rec.Length == 0 {
			rec.Length = uint32(len(ip.Contents) + len(ip.Payload))
		}
	} else if ipv6 := p.Layer(layers.LayerTypeIPv6); ipv6 != nil {
		ip := ipv6.(*layers.IPv6)
		rec.SrcAddr, _ = netip.AddrFromSlice(ip.SrcIP)
		rec.DstAddr, _ = netip.AddrFromSlice(ip.DstIP)
		rec.Protocol = uint8(ip.NextHeader)
		rec.Length = uint32(ip.Length) + 40
	} else {
		return Record{}, false
	}

	switch {
	case p.Layer(layers.LayerTypeTCP) != nil:
		tcp := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
		rec.Protocol = ProtoTCP
		rec.SrcPort = uint16(tcp.SrcPort)
		rec.DstPort = uint16(tcp.DstPort)
		rec.HeaderLen = uint16(tcp.DataOffset) * 4
		rec.PayloadLen = uint32(len(tcp.Payload))
		rec.Window = tcp.Window
		rec.Flags = tcpFlags(tcp)
	case p.Layer(layers.LayerTypeUDP) != nil:
		udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
		rec.Protocol = ProtoUDP
		rec.SrcPort = uint16(udp.SrcPort)
		rec.DstPort = uint16(udp.DstPort)
		rec.HeaderLen = 8
		rec.PayloadLen = uint32(len(udp.Payload))
	case p.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		rec.Protocol = ProtoICMP
		rec.HeaderLen = 8
		rec.PayloadLen = uint32(len(icmp.Payload))
	case p.Layer(layers.LayerTypeICMPv6) != nil:
		icmp := p.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		rec.Protocol = ProtoICMPv6
		rec.HeaderLen = 4
		rec.PayloadLen = uint32(len(icmp.Payload))
	}

	return rec, rec.SrcAddr.IsValid() && rec.DstAddr.IsValid()
}

func tcpFlags(tcp *layers.TCP) Flags {
	var f Flags
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	if tcp.ECE {
		f |= FlagECE
	}
	if tcp.CWR {
		f |= FlagCWR
	}
	return f
}
