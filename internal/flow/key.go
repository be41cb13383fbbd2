// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"grimm.is/flowguard/internal/packet"
)

// Endpoint is one side of a conversation.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// Compare orders endpoints by address, then port.
func (e Endpoint) Compare(o Endpoint) int {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	return cmp.Compare(e.Port, o.Port)
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Key identifies a bidirectional flow. A is always the lower endpoint, so
// both directions of a conversation produce the same Key.
type Key struct {
	A     Endpoint
	B     Endpoint
	Proto uint8
}

// NewKey builds the canonical key for a packet travelling src -> dst.
func NewKey(src, dst Endpoint, proto uint8) Key {
	src.Addr = src.Addr.Unmap()
	dst.Addr = dst.Addr.Unmap()
	if src.Compare(dst) <= 0 {
		return Key{A: src, B: dst, Proto: proto}
	}
	return Key{A: dst, B: src, Proto: proto}
}

// KeyOf returns the canonical key of a packet.
func KeyOf(p packet.Record) Key {
	return NewKey(
		Endpoint{Addr: p.SrcAddr, Port: p.SrcPort},
		Endpoint{Addr: p.DstAddr, Port: p.DstPort},
		p.Protocol,
	)
}

func (k Key) String() string {
	return fmt.Sprintf("%s<->%s/%d", k.A, k.B, k.Proto)
}

// Hash returns a stable 64-bit hash of the key.
func (k Key) Hash() uint64 {
	var buf [37]byte
	a := k.A.Addr.As16()
	b := k.B.Addr.As16()
	copy(buf[0:16], a[:])
	binary.BigEndian.PutUint16(buf[16:18], k.A.Port)
	copy(buf[18:34], b[:])
	binary.BigEndian.PutUint16(buf[34:36], k.B.Port)
	buf[36] = k.Proto
	return xxhash.Sum64(buf[:])
}
