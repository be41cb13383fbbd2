// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReplayStats summarizes one replay run.
type ReplayStats struct {
	Packets  int
	Skipped  int
	Rejected int
	Duration time.Duration
}

// Replayer feeds pcap or pcapng files through a handler, driving a mock
// clock from packet timestamps.
type Replayer struct {
	logger *logging.Logger
	clock  *clock.MockClock
}

// NewReplayer creates a replayer. clk may be nil.
func NewReplayer(logger *logging.Logger, clk *clock.MockClock) *Replayer {
	if logger == nil {
		logger = logging.WithComponent("replay")
	}
	return &Replayer{logger: logger, clock: clk}
}

// ReplayFile opens path and streams it. handle returns false when a record
// was not accepted (for example dropped by a full queue).
func (r *Replayer) ReplayFile(ctx context.Context, path string, handle func(Record) bool) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, errors.Wrapf(err, errors.KindIO, "open capture %s", path)
	}
	defer f.Close()

	stats, err := r.Replay(ctx, f, handle)
	if err != nil {
		return stats, errors.Attr(err, "path", path)
	}
	r.logger.Info("Replay finished",
		"path", path,
		"packets", stats.Packets,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"elapsed", stats.Duration)
	return stats, nil
}

// Replay streams every packet from rd, which may hold pcap or pcapng data.
func (r *Replayer) Replay(ctx context.Context, rd io.Reader, handle func(Record) bool) (ReplayStats, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(4)
	if err != nil {
		return ReplayStats{}, errors.Wrap(err, errors.KindParse, "read capture header")
	}

	var src *gopacket.PacketSource
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return ReplayStats{}, errors.Wrap(err, errors.KindParse, "open pcapng")
		}
		src = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return ReplayStats{}, errors.Wrap(err, errors.KindParse, "open pcap")
		}
		src = gopacket.NewPacketSource(pr, pr.LinkType())
	}
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var stats ReplayStats
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, nil
		}

		p, err := src.NextPacket()
		if err == io.EOF {
			stats.Duration = time.Since(start)
			return stats, nil
		}
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, errors.Wrap(err, errors.KindIO, "read packet")
		}

		if r.clock != nil && p.Metadata() != nil {
			r.clock.Set(p.Metadata().Timestamp)
		}

		rec, ok := FromGopacket(p)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Packets++
		if !handle(rec) {
			stats.Rejected++
		}

		if stats.Packets%100000 == 0 {
			r.logger.Debug("Replay progress", "packets", stats.Packets)
		}
	}
}
