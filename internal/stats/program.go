// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"math"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/packet"
)

// Raw inputs gathered from a flow snapshot. Every feature is one operation
// over at most two of these.
const (
	inDuration = iota
	inPackets
	inBytes
	inFwdPackets
	inBwdPackets
	inFwdBytes
	inBwdBytes
	inFwdLenMax
	inFwdLenMin
	inFwdLenM2
	inBwdLenMax
	inBwdLenMin
	inBwdLenM2
	inLenMax
	inLenMin
	inLenM2
	inFwdHeader
	inBwdHeader
	inFwdSegMin
	inFwdActData
	inIATSum
	inIATN
	inIATMax
	inIATMin
	inIATM2
	inFwdIATSum
	inFwdIATN
	inFwdIATMax
	inFwdIATMin
	inFwdIATM2
	inBwdIATSum
	inBwdIATN
	inBwdIATMax
	inBwdIATMin
	inBwdIATM2
	inFwdPSH
	inBwdPSH
	inFwdURG
	inBwdURG
	inFIN
	inSYN
	inRST
	inPSH
	inACK
	inURG
	inECE
	inCWR
	inInitFwdWin
	inInitBwdWin
	inActiveSum
	inActiveN
	inActiveMax
	inActiveMin
	inActiveM2
	inIdleSum
	inIdleN
	inIdleMax
	inIdleMin
	inIdleM2
	inProtocol
	inSrcPort
	inDstPort
	inTotalFlags
	inFlagDiversity
	inIsTCP
	inIsUDP
	inIsICMP

	numInputs
)

type opKind uint8

const (
	opCopy      opKind = iota // a
	opDiv                     // a/b, 0 when b == 0
	opDivOr                   // a/b, a when b == 0
	opRateFloor               // a/max(b, 1)
	opStd                     // sqrt(a/(b-1)), 0 when b < 2
	opVar                     // a/(b-1), 0 when b < 2
)

type op struct {
	kind opKind
	a, b int
}

var program = [NumFeatures]op{
	FlowDuration:      {opCopy, inDuration, 0},
	FlowBytesPerSec:   {opDiv, inBytes, inDuration},
	FlowPacketsPerSec: {opDiv, inPackets, inDuration},
	FwdPacketsPerSec:  {opDiv, inFwdPackets, inDuration},
	BwdPacketsPerSec:  {opDiv, inBwdPackets, inDuration},

	TotalFwdPackets:    {opCopy, inFwdPackets, 0},
	TotalBwdPackets:    {opCopy, inBwdPackets, 0},
	TotalLenFwdPackets: {opCopy, inFwdBytes, 0},
	TotalLenBwdPackets: {opCopy, inBwdBytes, 0},

	FwdPktLenMax:  {opCopy, inFwdLenMax, 0},
	FwdPktLenMin:  {opCopy, inFwdLenMin, 0},
	FwdPktLenMean: {opDiv, inFwdBytes, inFwdPackets},
	FwdPktLenStd:  {opStd, inFwdLenM2, inFwdPackets},
	BwdPktLenMax:  {opCopy, inBwdLenMax, 0},
	BwdPktLenMin:  {opCopy, inBwdLenMin, 0},
	BwdPktLenMean: {opDiv, inBwdBytes, inBwdPackets},
	BwdPktLenStd:  {opStd, inBwdLenM2, inBwdPackets},
	PktLenMax:     {opCopy, inLenMax, 0},
	PktLenMin:     {opCopy, inLenMin, 0},
	PktLenMean:    {opDiv, inBytes, inPackets},
	PktLenStd:     {opStd, inLenM2, inPackets},
	PktLenVar:     {opVar, inLenM2, inPackets},

	FwdHeaderLen:   {opCopy, inFwdHeader, 0},
	BwdHeaderLen:   {opCopy, inBwdHeader, 0},
	FwdSegSizeMin:  {opCopy, inFwdSegMin, 0},
	FwdActDataPkts: {opCopy, inFwdActData, 0},

	FlowIATMean: {opDiv, inIATSum, inIATN},
	FlowIATMax:  {opCopy, inIATMax, 0},
	FlowIATMin:  {opCopy, inIATMin, 0},
	FlowIATStd:  {opStd, inIATM2, inIATN},
	FwdIATTotal: {opCopy, inFwdIATSum, 0},
	FwdIATMax:   {opCopy, inFwdIATMax, 0},
	FwdIATMin:   {opCopy, inFwdIATMin, 0},
	FwdIATMean:  {opDiv, inFwdIATSum, inFwdIATN},
	FwdIATStd:   {opStd, inFwdIATM2, inFwdIATN},
	BwdIATTotal: {opCopy, inBwdIATSum, 0},
	BwdIATMax:   {opCopy, inBwdIATMax, 0},
	BwdIATMin:   {opCopy, inBwdIATMin, 0},
	BwdIATMean:  {opDiv, inBwdIATSum, inBwdIATN},
	BwdIATStd:   {opStd, inBwdIATM2, inBwdIATN},

	FwdPSHFlags:  {opCopy, inFwdPSH, 0},
	BwdPSHFlags:  {opCopy, inBwdPSH, 0},
	FwdURGFlags:  {opCopy, inFwdURG, 0},
	BwdURGFlags:  {opCopy, inBwdURG, 0},
	FINFlagCount: {opCopy, inFIN, 0},
	SYNFlagCount: {opCopy, inSYN, 0},
	RSTFlagCount: {opCopy, inRST, 0},
	PSHFlagCount: {opCopy, inPSH, 0},
	ACKFlagCount: {opCopy, inACK, 0},
	URGFlagCount: {opCopy, inURG, 0},
	ECEFlagCount: {opCopy, inECE, 0},

	DownUpRatio:     {opDiv, inBwdBytes, inFwdBytes},
	PktSizeAvg:      {opDiv, inBytes, inPackets},
	InitFwdWinBytes: {opCopy, inInitFwdWin, 0},
	InitBwdWinBytes: {opCopy, inInitBwdWin, 0},

	ActiveMax:  {opCopy, inActiveMax, 0},
	ActiveMin:  {opCopy, inActiveMin, 0},
	ActiveMean: {opDiv, inActiveSum, inActiveN},
	ActiveStd:  {opStd, inActiveM2, inActiveN},
	IdleMax:    {opCopy, inIdleMax, 0},
	IdleMin:    {opCopy, inIdleMin, 0},
	IdleMean:   {opDiv, inIdleSum, inIdleN},
	IdleStd:    {opStd, inIdleM2, inIdleN},

	FwdBytesBulkAvg: {opDiv, inFwdBytes, inFwdPackets},
	FwdPktsBulkAvg:  {opCopy, inFwdPackets, 0},
	BwdBytesBulkAvg: {opDiv, inBwdBytes, inBwdPackets},
	BwdPktsBulkAvg:  {opCopy, inBwdPackets, 0},
	FwdBulkRateAvg:  {opRateFloor, inFwdPackets, inDuration},
	BwdBulkRateAvg:  {opRateFloor, inBwdPackets, inDuration},
	FwdSegSizeAvg:   {opDiv, inFwdBytes, inFwdPackets},
	BwdSegSizeAvg:   {opDiv, inBwdBytes, inBwdPackets},
	CWRFlagCount:    {opCopy, inCWR, 0},

	SubflowFwdPkts:  {opCopy, inFwdPackets, 0},
	SubflowBwdPkts:  {opCopy, inBwdPackets, 0},
	SubflowFwdBytes: {opCopy, inFwdBytes, 0},
	SubflowBwdBytes: {opCopy, inBwdBytes, 0},

	Protocol: {opCopy, inProtocol, 0},
	SrcPort:  {opCopy, inSrcPort, 0},
	DstPort:  {opCopy, inDstPort, 0},

	FwdBwdRatio:    {opDivOr, inFwdPackets, inBwdPackets},
	AvgFwdPktSize:  {opDiv, inFwdBytes, inFwdPackets},
	FlowEfficiency: {opDiv, inBytes, inPackets},
	TotalFlags:     {opCopy, inTotalFlags, 0},
	FlagDiversity:  {opCopy, inFlagDiversity, 0},
	IsTCP:          {opCopy, inIsTCP, 0},
	IsUDP:          {opCopy, inIsUDP, 0},
	IsICMP:         {opCopy, inIsICMP, 0},
}

func eval(k opKind, a, b float64) float64 {
	switch k {
	case opCopy:
		return a
	case opDiv:
		if b > 0 {
			return a / b
		}
		return 0
	case opDivOr:
		if b > 0 {
			return a / b
		}
		return a
	case opRateFloor:
		return a / math.Max(b, 1)
	case opStd:
		if b > 1 {
			return math.Sqrt(math.Max(a, 0) / (b - 1))
		}
		return 0
	case opVar:
		if b > 1 {
			return math.Max(a, 0) / (b - 1)
		}
		return 0
	}
	return 0
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// gather flattens a snapshot into the raw input row.
func gather(v *flow.View, in *[numInputs]float64) {
	length := v.Length()
	resp := v.Responder()

	in[inDuration] = v.Duration().Seconds()
	in[inPackets] = float64(v.Packets)
	in[inBytes] = float64(v.Bytes)
	in[inFwdPackets] = float64(v.Fwd.Packets)
	in[inBwdPackets] = float64(v.Bwd.Packets)
	in[inFwdBytes] = float64(v.Fwd.Bytes)
	in[inBwdBytes] = float64(v.Bwd.Bytes)
	in[inFwdLenMax] = v.Fwd.Length.Max
	in[inFwdLenMin] = v.Fwd.Length.Min
	in[inFwdLenM2] = v.Fwd.Length.M2
	in[inBwdLenMax] = v.Bwd.Length.Max
	in[inBwdLenMin] = v.Bwd.Length.Min
	in[inBwdLenM2] = v.Bwd.Length.M2
	in[inLenMax] = length.Max
	in[inLenMin] = length.Min
	in[inLenM2] = length.M2
	in[inFwdHeader] = float64(v.Fwd.HeaderBytes)
	in[inBwdHeader] = float64(v.Bwd.HeaderBytes)
	in[inFwdSegMin] = float64(v.Fwd.MinHeader)
	in[inFwdActData] = float64(v.Fwd.DataPackets)

	moments(in[inIATSum:inIATM2+1], v.IAT)
	moments(in[inFwdIATSum:inFwdIATM2+1], v.Fwd.IAT)
	moments(in[inBwdIATSum:inBwdIATM2+1], v.Bwd.IAT)
	moments(in[inActiveSum:inActiveM2+1], v.Active)
	moments(in[inIdleSum:inIdleM2+1], v.Idle)

	in[inFwdPSH] = float64(v.Fwd.PSH)
	in[inBwdPSH] = float64(v.Bwd.PSH)
	in[inFwdURG] = float64(v.Fwd.URG)
	in[inBwdURG] = float64(v.Bwd.URG)
	in[inFIN] = float64(v.Flags.FIN)
	in[inSYN] = float64(v.Flags.SYN)
	in[inRST] = float64(v.Flags.RST)
	in[inPSH] = float64(v.Flags.PSH)
	in[inACK] = float64(v.Flags.ACK)
	in[inURG] = float64(v.Flags.URG)
	in[inECE] = float64(v.Flags.ECE)
	in[inCWR] = float64(v.Flags.CWR)
	in[inInitFwdWin] = float64(v.Fwd.InitWindow)
	in[inInitBwdWin] = float64(v.Bwd.InitWindow)

	proto := v.Key.Proto
	in[inProtocol] = float64(proto)
	in[inSrcPort] = float64(v.Initiator.Port)
	in[inDstPort] = float64(resp.Port)
	in[inTotalFlags] = float64(v.Flags.Total())
	in[inFlagDiversity] = float64(v.Flags.Distinct())
	in[inIsTCP] = b2f(proto == packet.ProtoTCP)
	in[inIsUDP] = b2f(proto == packet.ProtoUDP)
	in[inIsICMP] = b2f(proto == packet.ProtoICMP || proto == packet.ProtoICMPv6)
}

// moments writes sum, n, max, min, m2 in input order.
func moments(dst []float64, m flow.Moments) {
	dst[0] = m.Sum
	dst[1] = float64(m.N)
	dst[2] = m.Max
	dst[3] = m.Min
	dst[4] = m.M2
}
