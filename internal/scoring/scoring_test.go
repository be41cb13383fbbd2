// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/stats"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func vector(packets float64, duration time.Duration) *stats.Vector {
	src := flow.Endpoint{Addr: netip.MustParseAddr("198.51.100.10"), Port: 40000}
	dst := flow.Endpoint{Addr: netip.MustParseAddr("203.0.113.1"), Port: 80}
	var vals stats.Values
	vals[stats.FlowDuration] = duration.Seconds()
	vals[stats.TotalFwdPackets] = packets
	return stats.VectorOf(flow.NewKey(src, dst, packet.ProtoTCP), src, dst, now, vals)
}

func newScorer(t *testing.T, cfg *Config, p Predictor) *Scorer {
	t.Helper()
	s, err := NewScorer(logging.Nop(), cfg, p, clock.NewMockClock(now))
	require.NoError(t, err)
	return s
}

func failing(err error) Predictor {
	return PredictorFunc(func(context.Context, *stats.Vector) (float64, error) { return 0, err })
}

func TestScore_RateAttack(t *testing.T) {
	s := newScorer(t, DefaultConfig(), Static(0.05))
	v := s.Score(context.Background(), vector(30000, 2*time.Second))

	assert.Equal(t, Attack, v.Classification)
	assert.Equal(t, ReasonRateExceeded, v.Reason)
	assert.InDelta(t, 15000.0, v.PacketRate, 1e-9)
	assert.True(t, v.ModelAvailable)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, now, v.Timestamp)
	assert.Equal(t, uint64(30000), v.Packets)
}

func TestScore_ModelDriven(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		class  Classification
		reason Reason
	}{
		{"high score", 0.95, Attack, ReasonModelScore},
		{"at threshold", 0.8, Attack, ReasonModelScore},
		{"within margin", 0.7, Suspect, ReasonModelSuspect},
		{"low score", 0.1, Benign, ReasonBenign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScorer(t, DefaultConfig(), Static(tt.score))
			v := s.Score(context.Background(), vector(10, 5*time.Second))
			assert.Equal(t, tt.class, v.Classification)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.score, v.Score)
			assert.InDelta(t, 2.0, v.PacketRate, 1e-9)
		})
	}
}

func TestScore_DurationRule(t *testing.T) {
	s := newScorer(t, DefaultConfig(), Static(0))
	v := s.Score(context.Background(), vector(100, 61*time.Second))
	assert.Equal(t, Attack, v.Classification)
	assert.Equal(t, ReasonDurationExceeded, v.Reason)
}

func TestScore_RateWindowFloor(t *testing.T) {
	s := newScorer(t, DefaultConfig(), nil)
	v := s.Score(context.Background(), vector(50, time.Millisecond))
	assert.InDelta(t, 50.0, v.PacketRate, 1e-9)
	assert.Equal(t, Benign, v.Classification)

	single := s.Score(context.Background(), vector(1, 0))
	assert.InDelta(t, 1.0, single.PacketRate, 1e-9)
}

func TestScore_RulesOnly(t *testing.T) {
	s := newScorer(t, DefaultConfig(), nil)
	assert.False(t, s.HasModel())

	v := s.Score(context.Background(), vector(10, 5*time.Second))
	assert.Equal(t, Benign, v.Classification)
	assert.Equal(t, ReasonRulesOnly, v.Reason)
	assert.False(t, v.ModelAvailable)

	v = s.Score(context.Background(), vector(30000, 2*time.Second))
	assert.Equal(t, Attack, v.Classification)
	assert.Equal(t, ReasonRateExceeded, v.Reason)
}

func TestScore_Fallback(t *testing.T) {
	boom := errors.New(errors.KindUnavailable, "model down")

	t.Run("fail open", func(t *testing.T) {
		s := newScorer(t, DefaultConfig(), failing(boom))
		v := s.Score(context.Background(), vector(10, 5*time.Second))
		assert.Equal(t, Benign, v.Classification)
		assert.Equal(t, ReasonRulesOnly, v.Reason)
		assert.False(t, v.ModelAvailable)
		assert.Equal(t, uint64(1), s.ModelErrors())
	})

	t.Run("fail closed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Fallback = FailClosed
		s := newScorer(t, cfg, failing(boom))
		v := s.Score(context.Background(), vector(10, 5*time.Second))
		assert.Equal(t, Suspect, v.Classification)
		assert.Equal(t, ReasonModelUnavailable, v.Reason)
	})

	t.Run("rules still fire", func(t *testing.T) {
		s := newScorer(t, DefaultConfig(), failing(boom))
		v := s.Score(context.Background(), vector(30000, 2*time.Second))
		assert.Equal(t, Attack, v.Classification)
		assert.Equal(t, ReasonRateExceeded, v.Reason)
		assert.False(t, v.ModelAvailable)
	})

	t.Run("invalid scores", func(t *testing.T) {
		for _, score := range []float64{-0.1, 1.5, math.NaN()} {
			s := newScorer(t, DefaultConfig(), Static(score))
			v := s.Score(context.Background(), vector(10, 5*time.Second))
			assert.False(t, v.ModelAvailable, "score %v", score)
			assert.Equal(t, uint64(1), s.ModelErrors())
		}
	})

	t.Run("panicking predictor", func(t *testing.T) {
		s := newScorer(t, DefaultConfig(), PredictorFunc(func(context.Context, *stats.Vector) (float64, error) {
			panic("bad model")
		}))
		v := s.Score(context.Background(), vector(10, 5*time.Second))
		assert.False(t, v.ModelAvailable)
		assert.Equal(t, uint64(1), s.ModelErrors())
	})
}

func TestScore_PredictTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cfg := DefaultConfig()
	cfg.PredictTimeout = 20 * time.Millisecond
	s := newScorer(t, cfg, PredictorFunc(func(context.Context, *stats.Vector) (float64, error) {
		<-release
		return 0.99, nil
	}))

	start := time.Now()
	v := s.Score(context.Background(), vector(10, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ReasonRulesOnly, v.Reason)
	assert.False(t, v.ModelAvailable)
	assert.Equal(t, Benign, v.Classification)
}

func TestHTTPPredictor(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"score": 0.9}`))
	}))
	defer srv.Close()

	enc := NewAddressEncoder(1024)
	p := NewHTTPPredictor(srv.URL, time.Second, enc)
	p.SetHeader("X-Api-Key", "secret")

	v := vector(10, 5*time.Second)
	score, err := p.Predict(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)
	assert.Equal(t, 10.0, got.Features[stats.TotalFwdPackets.String()])
	assert.Len(t, got.Features, int(stats.NumFeatures))
	assert.Equal(t, enc.Encode(v.Src().Addr), got.SrcCode)
	assert.Equal(t, v.Key().String(), got.Flow)

	cfg := DefaultConfig()
	cfg.PredictTimeout = 5 * time.Second
	s := newScorer(t, cfg, p)
	verdict := s.Score(context.Background(), v)
	assert.Equal(t, Attack, verdict.Classification)
	assert.Equal(t, ReasonModelScore, verdict.Reason)
}

func TestHTTPPredictor_Errors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		_, err := NewHTTPPredictor(srv.URL, time.Second, nil).Predict(context.Background(), vector(1, 0))
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindModel))
		assert.Equal(t, http.StatusServiceUnavailable, errors.GetAttributes(err)["status"])
	})

	t.Run("missing score", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()
		_, err := NewHTTPPredictor(srv.URL, time.Second, nil).Predict(context.Background(), vector(1, 0))
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindModel))
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := NewHTTPPredictor(url, time.Second, nil).Predict(context.Background(), vector(1, 0))
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindUnavailable))
	})
}

func TestRateLimited(t *testing.T) {
	calls := 0
	next := PredictorFunc(func(context.Context, *stats.Vector) (float64, error) {
		calls++
		return 0.2, nil
	})
	p := NewRateLimited(next, 0, 1)

	score, err := p.Predict(context.Background(), vector(1, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.2, score)

	_, err = p.Predict(context.Background(), vector(1, 0))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindModel))
	assert.Equal(t, 1, calls)
}

func TestLogisticPredictor(t *testing.T) {
	p, err := NewLogisticPredictor(LogisticModel{})
	require.NoError(t, err)
	score, err := p.Predict(context.Background(), vector(10, time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-12)

	p, err = NewLogisticPredictor(LogisticModel{
		Bias:    -2,
		Weights: map[string]float64{stats.TotalFwdPackets.String(): 4},
		Center:  map[string]float64{stats.TotalFwdPackets.String(): 100},
		Scale:   map[string]float64{stats.TotalFwdPackets.String(): 100},
	})
	require.NoError(t, err)
	low, err := p.Predict(context.Background(), vector(100, time.Second))
	require.NoError(t, err)
	high, err := p.Predict(context.Background(), vector(300, time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(2)), low, 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(-6)), high, 1e-12)

	_, err = NewLogisticPredictor(LogisticModel{Weights: map[string]float64{"nope": 1}})
	assert.True(t, errors.IsKind(err, errors.KindModel))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Predict(ctx, vector(1, 0))
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
}

func TestLoadLogisticModel(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"bias": 1, "weights": {"flow_pkts_s": 0}}`), 0o644))
	p, err := LoadLogisticModel(jsonPath)
	require.NoError(t, err)
	score, err := p.Predict(context.Background(), vector(1, 0))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-1)), score, 1e-12)

	yamlPath := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("bias: -1\nweights:\n  flow_duration: 0\n"), 0o644))
	p, err = LoadLogisticModel(yamlPath)
	require.NoError(t, err)
	score, err = p.Predict(context.Background(), vector(1, 0))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(1)), score, 1e-12)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{`), 0o644))
	_, err = LoadLogisticModel(badPath)
	assert.True(t, errors.IsKind(err, errors.KindParse))

	_, err = LoadLogisticModel(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.IsKind(err, errors.KindIO))
}

func TestAddressEncoder(t *testing.T) {
	enc := NewAddressEncoder(16)
	a := netip.MustParseAddr("192.0.2.1")
	code := enc.Encode(a)
	assert.GreaterOrEqual(t, code, 0.0)
	assert.Less(t, code, 16.0)
	assert.Equal(t, code, enc.Encode(a))
	assert.Equal(t, code, enc.Encode(netip.MustParseAddr("::ffff:192.0.2.1")))
	assert.Equal(t, -1.0, enc.Encode(netip.Addr{}))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"zero rate", func(c *Config) { c.PacketRateThreshold = 0 }, "detection.packet_rate_threshold"},
		{"zero duration", func(c *Config) { c.FlowDurationThreshold = 0 }, "detection.flow_duration_threshold_secs"},
		{"score above one", func(c *Config) { c.AnomalyScoreThreshold = 1.5 }, "detection.anomaly_score_threshold"},
		{"margin too wide", func(c *Config) { c.SuspectMargin = 0.9 }, "detection.suspect_margin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindConfig))
			assert.Equal(t, tt.field, errors.GetAttributes(err)["field"])

			_, err = NewScorer(logging.Nop(), cfg, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestClassification(t *testing.T) {
	for _, c := range []Classification{Benign, Suspect, Attack} {
		parsed, err := ParseClassification(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseClassification("evil")
	assert.Error(t, err)

	assert.Equal(t, flow.EventAttack, Attack.Event())
	assert.Equal(t, flow.EventSuspect, Suspect.Event())
	assert.Equal(t, flow.EventBenign, Benign.Event())

	data, err := json.Marshal(Verdict{Classification: Suspect}.WithState(flow.StateSuspect))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"classification":"suspect"`)
	assert.Contains(t, string(data), `"state":"suspect"`)

	f, err := ParseFallback("fail_closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, f)
	_, err = ParseFallback("maybe")
	assert.Error(t, err)
}
