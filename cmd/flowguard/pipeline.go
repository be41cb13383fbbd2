// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"grimm.is/flowguard/internal/alerting"
	"grimm.is/flowguard/internal/analytics"
	"grimm.is/flowguard/internal/api"
	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/detector"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/expiry"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/pool"
	"grimm.is/flowguard/internal/scoring"
	"grimm.is/flowguard/internal/stats"
)

// retentionInterval is how often expired rows are removed from the store.
const retentionInterval = time.Hour

// pipeline holds every wired component of one process.
type pipeline struct {
	logger   *logging.Logger
	cfg      *config.Config
	replay   *clock.MockClock
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	detector *detector.Detector
	alerts   *alerting.Engine
	status   *metrics.Collector

	store     *analytics.Store
	collector *analytics.Collector
	geo       *alerting.GeoIP
}

// buildPipeline wires the detector and its sinks. With replay set, every
// time-dependent component runs on a clock driven by capture timestamps.
func buildPipeline(logger *logging.Logger, cfg *config.Config, replay bool) (_ *pipeline, err error) {
	p := &pipeline{logger: logger, cfg: cfg, registry: prometheus.NewRegistry(), metrics: metrics.New()}
	defer func() {
		if err != nil {
			if p.alerts != nil {
				_ = p.alerts.Close()
			}
			p.close()
		}
	}()

	var clk clock.Clock = clock.RealClock{}
	if replay {
		p.replay = clock.NewMockClock(time.Time{})
		clk = p.replay
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := p.metrics.Register(p.registry); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register metrics")
	}

	records, err := pool.New("records", cfg.Flows.PoolCapacity, flow.NewRecord, (*flow.Record).Reset)
	if err != nil {
		return nil, err
	}
	fcfg, err := cfg.FlowConfig()
	if err != nil {
		return nil, err
	}
	table := flow.NewTable(logger.WithComponent("flow"), records, fcfg)

	engine, err := stats.NewEngine(logger.WithComponent("stats"), cfg.StatsConfig())
	if err != nil {
		return nil, err
	}

	scfg, err := cfg.ScoringConfig()
	if err != nil {
		return nil, err
	}
	predictor, err := buildPredictor(cfg)
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.NewScorer(logger.WithComponent("scoring"), scfg, predictor, clk)
	if err != nil {
		return nil, err
	}

	ecfg, err := cfg.ExpiryConfig()
	if err != nil {
		return nil, err
	}
	reclaimer, err := expiry.NewReclaimer(logger.WithComponent("expiry"), table, ecfg, clk)
	if err != nil {
		return nil, err
	}

	if err := p.buildAlerts(); err != nil {
		return nil, err
	}

	dcfg, err := cfg.DetectorConfig()
	if err != nil {
		return nil, err
	}
	p.detector, err = detector.New(logger.WithComponent("detector"), dcfg, detector.Components{
		Table:     table,
		Stats:     engine,
		Scorer:    scorer,
		Reclaimer: reclaimer,
		Sink:      p.alerts,
		Metrics:   p.metrics,
		Clock:     clk,
	})
	if err != nil {
		return nil, err
	}

	p.status = metrics.NewCollector(logger.WithComponent("metrics"), p.metrics, p.detector, cfg.MetricsInterval(), nil)

	logger.Info("Pipeline ready",
		"pool_capacity", cfg.Flows.PoolCapacity,
		"kernel", engine.KernelName(),
		"predictor", cfg.Predictor.Type,
		"replay", replay,
	)
	return p, nil
}

// buildPredictor returns nil for rules-only scoring.
func buildPredictor(cfg *config.Config) (scoring.Predictor, error) {
	pc := cfg.Predictor

	var p scoring.Predictor
	switch pc.Type {
	case config.PredictorLogistic:
		lp, err := scoring.LoadLogisticModel(pc.ModelPath)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindConfig, "load predictor model"), "field", "predictor.model_path")
		}
		p = lp
	case config.PredictorHTTP:
		hp := scoring.NewHTTPPredictor(pc.URL, cfg.PredictorTimeout(), scoring.NewAddressEncoder(uint64(pc.AddressBuckets)))
		for k, v := range pc.Headers {
			hp.SetHeader(k, v)
		}
		p = hp
	default:
		return nil, nil
	}

	if pc.RateLimit > 0 {
		p = scoring.NewRateLimited(p, pc.RateLimit, pc.Burst)
	}
	return p, nil
}

// buildAlerts creates the alert engine and its configured channels.
func (p *pipeline) buildAlerts() error {
	acfg, err := p.cfg.AlertingConfig()
	if err != nil {
		return err
	}
	p.alerts, err = alerting.NewEngine(p.logger.WithComponent("alerting"), acfg, p.metrics)
	if err != nil {
		return err
	}
	p.alerts.AddChannel(alerting.NewLogChannel(p.logger.WithComponent("alerts")))

	ac := p.cfg.Alerts
	if ac.WebhookURL != "" {
		wh, err := alerting.NewWebhookChannel(ac.WebhookURL, p.cfg.WebhookCooldown(), ac.WebhookHeaders)
		if err != nil {
			return err
		}
		p.alerts.AddChannel(wh)
	}
	if ac.CSVPath != "" {
		csv, err := alerting.OpenCSVChannel(ac.CSVPath)
		if err != nil {
			return err
		}
		p.alerts.AddChannel(csv)
	}
	if ac.StorePath != "" {
		p.store, err = analytics.Open(ac.StorePath)
		if err != nil {
			return err
		}
		p.collector = analytics.NewCollector(p.logger.WithComponent("analytics"), p.store, time.Minute)
		p.alerts.AddChannel(p.collector)
	}
	if ac.GeoIPDB != "" {
		p.geo, err = alerting.OpenGeoIP(ac.GeoIPDB)
		if err != nil {
			return err
		}
		p.alerts.SetEnricher(p.geo)
	}
	return nil
}

// close releases resources that outlive the detector. Channels are closed
// by the alert engine when the detector stops.
func (p *pipeline) close() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("Closing verdict store", "error", err)
		}
	}
	if p.geo != nil {
		_ = p.geo.Close()
	}
}

// replayDone hands the replay clock over to wall time so expiry keeps
// running while the API serves.
func (p *pipeline) replayDone() {
	if p.replay != nil {
		p.replay.Follow()
	}
}

// runPipeline replays captures and serves until ctx is done, or until the
// last capture is replayed when serve is false.
func runPipeline(ctx context.Context, logger *logging.Logger, cfg *config.Config, captures []string, serve bool) error {
	p, err := buildPipeline(logger, cfg, len(captures) > 0)
	if err != nil {
		return err
	}
	defer p.close()

	var server *api.Server
	if cfg.API.Listen != "" {
		server, err = api.NewServer(api.ServerOptions{
			Logger:   logger.WithComponent("api"),
			Flows:    p.detector,
			Store:    p.verdictStore(),
			Status:   p.status,
			Alerts:   p.alerts,
			Gatherer: p.registry,
		})
		if err != nil {
			_ = p.alerts.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	p.alerts.Start(gctx)
	g.Go(func() error { return p.detector.Run(gctx) })
	g.Go(func() error { return p.status.Run(gctx) })
	if p.collector != nil {
		g.Go(func() error { return p.collector.Run(gctx, cfg.StoreFlushInterval()) })
		if retention := cfg.StoreRetention(); retention > 0 {
			g.Go(func() error { p.retain(gctx, retention); return nil })
		}
	}
	if server != nil {
		g.Go(func() error { return server.ListenAndServe(gctx, cfg.API.Listen) })
	}

	g.Go(func() error {
		if !serve {
			defer cancel()
		}
		replayer := packet.NewReplayer(logger.WithComponent("replay"), p.replay)
		for _, path := range captures {
			if _, err := replayer.ReplayFile(gctx, path, p.detector.Submit); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		if serve {
			p.replayDone()
			<-gctx.Done()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("flowguard stopped",
		"processed", p.detector.Processed(),
		"dropped", p.detector.Dropped(),
		"scored", p.detector.Scored(),
		"alerts_delivered", p.alerts.Delivered(),
	)
	return err
}

// verdictStore avoids handing the API a typed nil.
func (p *pipeline) verdictStore() api.VerdictStore {
	if p.store == nil {
		return nil
	}
	return p.store
}

// retain prunes the verdict store until ctx is done.
func (p *pipeline) retain(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.store.Cleanup(now, retention)
			if err != nil {
				p.logger.Warn("Verdict retention failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("Pruned verdict store", "rows", n, "retention", retention)
			}
		}
	}
}
