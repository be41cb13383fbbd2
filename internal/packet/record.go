// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet defines the parsed per-packet observation consumed by the
// flow table, and converts gopacket packets and pcap files into it.
package packet

import (
	"net/netip"
	"strings"
	"time"
)

// IP protocol numbers used by flow classification.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// Flags is the TCP flags byte.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// Record is one parsed packet observation.
type Record struct {
	Timestamp time.Time
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	// Length is the IP datagram length in bytes.
	Length uint32
	// HeaderLen is the transport header length in bytes.
	HeaderLen uint16
	// PayloadLen is the transport payload length in bytes.
	PayloadLen uint32
	Flags      Flags
	// Window is the advertised TCP receive window, zero otherwise.
	Window uint16
}

// Valid reports whether the record carries enough to key a flow.
func (r Record) Valid() bool {
	return r.SrcAddr.IsValid() && r.DstAddr.IsValid() && !r.Timestamp.IsZero()
}
