// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats derives fixed-layout feature vectors from flow snapshots.
package stats

import (
	"time"

	"grimm.is/flowguard/internal/flow"
)

// Feature indexes a value in a Vector.
type Feature int

const (
	FlowDuration Feature = iota
	FlowBytesPerSec
	FlowPacketsPerSec
	FwdPacketsPerSec
	BwdPacketsPerSec
	TotalFwdPackets
	TotalBwdPackets
	TotalLenFwdPackets
	TotalLenBwdPackets
	FwdPktLenMax
	FwdPktLenMin
	FwdPktLenMean
	FwdPktLenStd
	BwdPktLenMax
	BwdPktLenMin
	BwdPktLenMean
	BwdPktLenStd
	PktLenMax
	PktLenMin
	PktLenMean
	PktLenStd
	PktLenVar
	FwdHeaderLen
	BwdHeaderLen
	FwdSegSizeMin
	FwdActDataPkts
	FlowIATMean
	FlowIATMax
	FlowIATMin
	FlowIATStd
	FwdIATTotal
	FwdIATMax
	FwdIATMin
	FwdIATMean
	FwdIATStd
	BwdIATTotal
	BwdIATMax
	BwdIATMin
	BwdIATMean
	BwdIATStd
	FwdPSHFlags
	BwdPSHFlags
	FwdURGFlags
	BwdURGFlags
	FINFlagCount
	SYNFlagCount
	RSTFlagCount
	PSHFlagCount
	ACKFlagCount
	URGFlagCount
	ECEFlagCount
	DownUpRatio
	PktSizeAvg
	InitFwdWinBytes
	InitBwdWinBytes
	ActiveMax
	ActiveMin
	ActiveMean
	ActiveStd
	IdleMax
	IdleMin
	IdleMean
	IdleStd
	FwdBytesBulkAvg
	FwdPktsBulkAvg
	BwdBytesBulkAvg
	BwdPktsBulkAvg
	FwdBulkRateAvg
	BwdBulkRateAvg
	FwdSegSizeAvg
	BwdSegSizeAvg
	CWRFlagCount
	SubflowFwdPkts
	SubflowBwdPkts
	SubflowFwdBytes
	SubflowBwdBytes
	Protocol
	SrcPort
	DstPort
	FwdBwdRatio
	AvgFwdPktSize
	FlowEfficiency
	TotalFlags
	FlagDiversity
	IsTCP
	IsUDP
	IsICMP

	NumFeatures
)

var featureNames = [NumFeatures]string{
	"flow_duration", "flow_byts_s", "flow_pkts_s", "fwd_pkts_s", "bwd_pkts_s",
	"tot_fwd_pkts", "tot_bwd_pkts", "totlen_fwd_pkts", "totlen_bwd_pkts",
	"fwd_pkt_len_max", "fwd_pkt_len_min", "fwd_pkt_len_mean", "fwd_pkt_len_std",
	"bwd_pkt_len_max", "bwd_pkt_len_min", "bwd_pkt_len_mean", "bwd_pkt_len_std",
	"pkt_len_max", "pkt_len_min", "pkt_len_mean", "pkt_len_std", "pkt_len_var",
	"fwd_header_len", "bwd_header_len", "fwd_seg_size_min", "fwd_act_data_pkts",
	"flow_iat_mean", "flow_iat_max", "flow_iat_min", "flow_iat_std",
	"fwd_iat_tot", "fwd_iat_max", "fwd_iat_min", "fwd_iat_mean", "fwd_iat_std",
	"bwd_iat_tot", "bwd_iat_max", "bwd_iat_min", "bwd_iat_mean", "bwd_iat_std",
	"fwd_psh_flags", "bwd_psh_flags", "fwd_urg_flags", "bwd_urg_flags",
	"fin_flag_cnt", "syn_flag_cnt", "rst_flag_cnt", "psh_flag_cnt", "ack_flag_cnt", "urg_flag_cnt", "ece_flag_cnt",
	"down_up_ratio", "pkt_size_avg", "init_fwd_win_byts", "init_bwd_win_byts",
	"active_max", "active_min", "active_mean", "active_std",
	"idle_max", "idle_min", "idle_mean", "idle_std",
	"fwd_byts_b_avg", "fwd_pkts_b_avg", "bwd_byts_b_avg", "bwd_pkts_b_avg", "fwd_blk_rate_avg", "bwd_blk_rate_avg",
	"fwd_seg_size_avg", "bwd_seg_size_avg", "cwr_flag_count",
	"subflow_fwd_pkts", "subflow_bwd_pkts", "subflow_fwd_byts", "subflow_bwd_byts",
	"protocol", "src_port", "dst_port",
	"fwd_bwd_ratio", "avg_fwd_pkt_size", "flow_efficiency", "total_flags", "flag_diversity",
	"is_tcp", "is_udp", "is_icmp",
}

func (f Feature) String() string {
	if f < 0 || f >= NumFeatures {
		return "unknown"
	}
	return featureNames[f]
}

// Names returns feature names in vector order.
func Names() []string {
	return append([]string(nil), featureNames[:]...)
}

// FeatureByName looks up a feature by its column name.
func FeatureByName(name string) (Feature, bool) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), true
		}
	}
	return 0, false
}

// Values is the raw feature array.
type Values [NumFeatures]float64

// Vector is an immutable feature snapshot of one flow. It is filled once by
// the engine and then only read.
type Vector struct {
	key    flow.Key
	src    flow.Endpoint
	dst    flow.Endpoint
	at     time.Time
	values Values
}

// NewVector returns an empty vector. Used as the pool constructor.
func NewVector() *Vector { return &Vector{} }

// VectorOf builds a vector from explicit values.
func VectorOf(key flow.Key, src, dst flow.Endpoint, at time.Time, values Values) *Vector {
	return &Vector{key: key, src: src, dst: dst, at: at, values: values}
}

// Reset clears the vector for reuse.
func (v *Vector) Reset() { *v = Vector{} }

func (v *Vector) Key() flow.Key        { return v.key }
func (v *Vector) Src() flow.Endpoint   { return v.src }
func (v *Vector) Dst() flow.Endpoint   { return v.dst }
func (v *Vector) At() time.Time        { return v.at }
func (v *Vector) Get(f Feature) float64 { return v.values[f] }

// Values returns a copy of all feature values.
func (v *Vector) Values() Values { return v.values }

// Packets returns the total packet count.
func (v *Vector) Packets() float64 {
	return v.values[TotalFwdPackets] + v.values[TotalBwdPackets]
}

// Duration returns the flow duration.
func (v *Vector) Duration() time.Duration {
	return time.Duration(v.values[FlowDuration] * float64(time.Second))
}

// Map returns the vector as name -> value.
func (v *Vector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, n := range featureNames {
		m[n] = v.values[i]
	}
	return m
}
