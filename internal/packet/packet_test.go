// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

func buildTCP(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 80,
		SYN:     true,
		ACK:     true,
		Window:  29200,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestFromGopacket_TCP(t *testing.T) {
	data := buildTCP(t, []byte("hello"))
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	ts := time.Unix(1700000000, 0)
	p.Metadata().Timestamp = ts

	rec, ok := FromGopacket(p)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), rec.SrcAddr)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), rec.DstAddr)
	assert.Equal(t, uint16(40000), rec.SrcPort)
	assert.Equal(t, uint16(80), rec.DstPort)
	assert.Equal(t, ProtoTCP, rec.Protocol)
	assert.Equal(t, uint32(20+20+5), rec.Length)
	assert.Equal(t, uint16(20), rec.HeaderLen)
	assert.Equal(t, uint32(5), rec.PayloadLen)
	assert.Equal(t, uint16(29200), rec.Window)
	assert.True(t, rec.Flags.Has(FlagSYN|FlagACK))
	assert.False(t, rec.Flags.Has(FlagFIN))
	assert.Equal(t, ts, rec.Timestamp)
	assert.True(t, rec.Valid())
}

func TestFromGopacket_NoIP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))

	_, ok := FromGopacket(gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default))
	assert.False(t, ok)
}

func TestReplayer_Replay(t *testing.T) {
	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		data := buildTCP(t, []byte{byte(i)})
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}

	clk := clock.NewMockClock(time.Unix(0, 0))
	r := NewReplayer(logging.Nop(), clk)

	var got []Record
	stats, err := r.Replay(context.Background(), &capture, func(rec Record) bool {
		got = append(got, rec)
		return len(got) != 2
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Packets)
	assert.Equal(t, 1, stats.Rejected)
	require.Len(t, got, 3)
	assert.True(t, base.Add(2*time.Second).Equal(clk.Now()), "clock follows the last replayed timestamp: %v", clk.Now())
	assert.Equal(t, base.Add(time.Second).UTC(), got[1].Timestamp.UTC())
}

func TestReplayer_BadHeader(t *testing.T) {
	r := NewReplayer(logging.Nop(), nil)
	_, err := r.Replay(context.Background(), bytes.NewReader([]byte{1, 2}), func(Record) bool { return true })
	assert.Error(t, err)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
}
