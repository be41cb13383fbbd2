// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.WithComponent("alert")
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, event AlertEvent) error {
	v := event.Verdict
	kv := []any{
		"severity", string(event.Severity),
		"flow", v.Flow,
		"src", v.Source,
		"dst", v.Destination,
		"classification", v.Classification.String(),
		"reason", string(v.Reason),
		"score", v.Score,
		"packet_rate", v.PacketRate,
		"state", v.StateName,
	}
	if v.Country != "" {
		kv = append(kv, "country", v.Country)
	}
	if event.Severity == LevelCritical {
		c.logger.Error("[ALERT] "+event.Message, kv...)
	} else {
		c.logger.Warn("[ALERT] "+event.Message, kv...)
	}
	return nil
}

func (c *LogChannel) Close() error { return nil }

// WebhookChannel posts alerts as JSON. Repeat alerts for the same source
// address are suppressed for the cooldown.
type WebhookChannel struct {
	url        string
	headers    map[string]string
	cooldown   time.Duration
	httpClient *http.Client

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewWebhookChannel creates a webhook channel for url.
func NewWebhookChannel(url string, cooldown time.Duration, headers map[string]string) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.Attr(errors.New(errors.KindConfig, "webhook URL missing"), "field", "alerts.webhook_url")
	}
	return &WebhookChannel{
		url:       url,
		headers:   headers,
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, event AlertEvent) error {
	if !c.allow(event) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "webhook delivery")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Attr(errors.Errorf(errors.KindUnavailable, "webhook returned status %d", resp.StatusCode), "status", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) allow(event AlertEvent) bool {
	if c.cooldown <= 0 {
		return true
	}
	key := event.Verdict.Src.Addr.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastFired[key]; ok && event.Timestamp.Sub(last) < c.cooldown {
		return false
	}
	c.lastFired[key] = event.Timestamp
	if len(c.lastFired) > 65536 {
		for k, t := range c.lastFired {
			if event.Timestamp.Sub(t) >= c.cooldown {
				delete(c.lastFired, k)
			}
		}
	}
	return true
}

func (c *WebhookChannel) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var csvHeader = []string{
	"timestamp", "id", "flow", "src", "dst", "protocol", "packets", "packet_rate",
	"duration_secs", "score", "model_available", "classification", "reason", "state", "country",
}

// CSVChannel appends one row per alert to a CSV file or writer.
type CSVChannel struct {
	w      *csv.Writer
	closer io.Closer
}

// OpenCSVChannel appends to path, writing a header if the file is new.
func OpenCSVChannel(path string) (*CSVChannel, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "open csv %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.KindIO, "stat csv %s", path)
	}
	c := NewCSVChannel(f, info.Size() == 0)
	c.closer = f
	return c, nil
}

// NewCSVChannel writes rows to w.
func NewCSVChannel(w io.Writer, header bool) *CSVChannel {
	c := &CSVChannel{w: csv.NewWriter(w)}
	if header {
		_ = c.w.Write(csvHeader)
	}
	return c
}

func (c *CSVChannel) Name() string { return "csv" }

func (c *CSVChannel) Send(_ context.Context, event AlertEvent) error {
	v := event.Verdict
	row := []string{
		v.Timestamp.UTC().Format(time.RFC3339Nano),
		v.ID,
		v.Flow,
		v.Source,
		v.Destination,
		strconv.Itoa(int(v.Protocol)),
		strconv.FormatUint(v.Packets, 10),
		strconv.FormatFloat(v.PacketRate, 'f', 3, 64),
		strconv.FormatFloat(v.Duration, 'f', 6, 64),
		strconv.FormatFloat(v.Score, 'f', 6, 64),
		strconv.FormatBool(v.ModelAvailable),
		v.Classification.String(),
		string(v.Reason),
		v.StateName,
		v.Country,
	}
	if err := c.w.Write(row); err != nil {
		return errors.Wrap(err, errors.KindIO, "write csv row")
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errors.Wrap(err, errors.KindIO, "flush csv")
	}
	return nil
}

func (c *CSVChannel) Close() error {
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
