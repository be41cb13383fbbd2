// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scoring combines threshold rules with an optional anomaly model
// into per-flow verdicts.
package scoring

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/stats"
)

// Fallback decides how a verdict is formed when the model is unavailable.
type Fallback uint8

const (
	// FailOpen classifies on rules alone.
	FailOpen Fallback = iota
	// FailClosed marks the flow suspect unless rules already say attack.
	FailClosed
)

func (f Fallback) String() string {
	if f == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// ParseFallback maps a config name to a Fallback.
func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	}
	return FailOpen, errors.Attr(errors.Errorf(errors.KindConfig, "unknown fallback policy %q", s), "field", "predictor.fallback")
}

// Config holds detection thresholds.
type Config struct {
	PacketRateThreshold   uint64        `json:"packet_rate_threshold"`
	FlowDurationThreshold time.Duration `json:"flow_duration_threshold"`
	AnomalyScoreThreshold float64       `json:"anomaly_score_threshold"`
	SuspectMargin         float64       `json:"suspect_margin"`
	RateWindowFloor       time.Duration `json:"rate_window_floor"`
	Fallback              Fallback      `json:"fallback"`
	PredictTimeout        time.Duration `json:"predict_timeout"`
}

// DefaultConfig returns default detection thresholds
func DefaultConfig() *Config {
	return &Config{
		PacketRateThreshold:   10000,
		FlowDurationThreshold: 60 * time.Second,
		AnomalyScoreThreshold: 0.8,
		SuspectMargin:         0.2,
		RateWindowFloor:       time.Second,
		Fallback:              FailOpen,
		PredictTimeout:        50 * time.Millisecond,
	}
}

// Validate checks thresholds for internal consistency.
func (c *Config) Validate() error {
	switch {
	case c.PacketRateThreshold == 0:
		return errors.Attr(errors.New(errors.KindConfig, "packet rate threshold must be positive"), "field", "detection.packet_rate_threshold")
	case c.FlowDurationThreshold <= 0:
		return errors.Attr(errors.New(errors.KindConfig, "flow duration threshold must be positive"), "field", "detection.flow_duration_threshold_secs")
	case c.AnomalyScoreThreshold < 0 || c.AnomalyScoreThreshold > 1:
		return errors.Attr(errors.New(errors.KindConfig, "anomaly score threshold must be within [0,1]"), "field", "detection.anomaly_score_threshold")
	case c.SuspectMargin < 0 || c.SuspectMargin > c.AnomalyScoreThreshold:
		return errors.Attr(errors.New(errors.KindConfig, "suspect margin must be within [0, anomaly_score_threshold]"), "field", "detection.suspect_margin")
	case c.RateWindowFloor < 0:
		return errors.Attr(errors.New(errors.KindConfig, "rate window floor must not be negative"), "field", "detection.rate_window_floor")
	}
	return nil
}

// Scorer produces verdicts. It is safe for concurrent use.
type Scorer struct {
	config    *Config
	predictor Predictor
	clock     clock.Clock
	logger    *logging.Logger

	modelErrors atomic.Uint64
	lastErr     atomic.Int64
}

// NewScorer creates a scorer. A nil predictor means rules-only operation.
func NewScorer(logger *logging.Logger, config *Config, predictor Predictor, clk clock.Clock) (*Scorer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.WithComponent("scoring")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scorer{config: config, predictor: predictor, clock: clk, logger: logger}, nil
}

// ModelErrors counts predictor failures since start.
func (s *Scorer) ModelErrors() uint64 { return s.modelErrors.Load() }

// HasModel reports whether a predictor is configured.
func (s *Scorer) HasModel() bool { return s.predictor != nil }

// PacketRate is the rule rate: packets over the flow's duration, with the
// duration floored so young flows are not judged on a sub-second window.
func (s *Scorer) PacketRate(v *stats.Vector) float64 {
	window := max(v.Duration(), s.config.RateWindowFloor).Seconds()
	if window <= 0 {
		return 0
	}
	return v.Packets() / window
}

// Score evaluates rules and the model for one vector. Model failure never
// fails the verdict; it is reported in Reason and ModelAvailable.
func (s *Scorer) Score(ctx context.Context, v *stats.Vector) Verdict {
	verdict := s.base(v)

	rateHit := verdict.PacketRate > float64(s.config.PacketRateThreshold)
	durationHit := v.Duration() > s.config.FlowDurationThreshold

	if s.predictor == nil {
		return s.rules(verdict, rateHit, durationHit, ReasonRulesOnly)
	}

	score, err := s.predict(ctx, v)
	if err != nil {
		s.modelErrors.Add(1)
		s.logThrottled("Predictor failed", "flow", verdict.Flow, "error", err)
		return s.unavailable(verdict, rateHit, durationHit)
	}

	verdict.Score = score
	verdict.ModelAvailable = true
	switch {
	case rateHit:
		verdict.Classification, verdict.Reason = Attack, ReasonRateExceeded
	case durationHit:
		verdict.Classification, verdict.Reason = Attack, ReasonDurationExceeded
	case score >= s.config.AnomalyScoreThreshold:
		verdict.Classification, verdict.Reason = Attack, ReasonModelScore
	case score >= s.config.AnomalyScoreThreshold-s.config.SuspectMargin && s.config.SuspectMargin > 0:
		verdict.Classification, verdict.Reason = Suspect, ReasonModelSuspect
	default:
		verdict.Classification, verdict.Reason = Benign, ReasonBenign
	}
	return verdict
}

func (s *Scorer) base(v *stats.Vector) Verdict {
	key := v.Key()
	src, dst := v.Src(), v.Dst()
	return Verdict{
		ID:          uuid.NewString(),
		Key:         key,
		Flow:        key.String(),
		Src:         src,
		Dst:         dst,
		Source:      src.String(),
		Destination: dst.String(),
		Protocol:    key.Proto,
		Packets:     uint64(v.Packets()),
		PacketRate:  s.PacketRate(v),
		Duration:    v.Duration().Seconds(),
		Timestamp:   s.clock.Now(),
	}
}

func (s *Scorer) rules(verdict Verdict, rateHit, durationHit bool, otherwise Reason) Verdict {
	switch {
	case rateHit:
		verdict.Classification, verdict.Reason = Attack, ReasonRateExceeded
	case durationHit:
		verdict.Classification, verdict.Reason = Attack, ReasonDurationExceeded
	default:
		verdict.Classification, verdict.Reason = Benign, otherwise
	}
	return verdict
}

func (s *Scorer) unavailable(verdict Verdict, rateHit, durationHit bool) Verdict {
	if s.config.Fallback == FailOpen {
		return s.rules(verdict, rateHit, durationHit, ReasonRulesOnly)
	}
	verdict = s.rules(verdict, rateHit, durationHit, ReasonModelUnavailable)
	if verdict.Classification == Benign {
		verdict.Classification = Suspect
	}
	return verdict
}

type prediction struct {
	score float64
	err   error
}

// predict bounds the model call by PredictTimeout even when the predictor
// ignores its context.
func (s *Scorer) predict(ctx context.Context, v *stats.Vector) (float64, error) {
	if s.config.PredictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PredictTimeout)
		defer cancel()
	}

	done := make(chan prediction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- prediction{err: errors.Errorf(errors.KindModel, "predictor panic: %v", r)}
			}
		}()
		score, err := s.predictor.Predict(ctx, v)
		done <- prediction{score: score, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), errors.KindTimeout, "predictor did not answer in time")
	case p := <-done:
		if p.err != nil {
			if errors.GetKind(p.err) == errors.KindUnknown {
				return 0, errors.Wrap(p.err, errors.KindModel, "predict")
			}
			return 0, p.err
		}
		if math.IsNaN(p.score) || p.score < 0 || p.score > 1 {
			return 0, errors.Errorf(errors.KindModel, "score %v outside [0,1]", p.score)
		}
		return p.score, nil
	}
}

func (s *Scorer) logThrottled(msg string, args ...any) {
	now := s.clock.Now().UnixNano()
	last := s.lastErr.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastErr.CompareAndSwap(last, now) {
		s.logger.Warn(msg, append(args, "model_errors", s.modelErrors.Load())...)
	}
}
