// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/stats"
)

// predictRequest is the body posted to a remote model.
type predictRequest struct {
	Flow     string             `json:"flow"`
	Features map[string]float64 `json:"features"`
	SrcCode  float64            `json:"src_code"`
	DstCode  float64            `json:"dst_code"`
}

type predictResponse struct {
	Score *float64 `json:"score"`
}

// HTTPPredictor asks a remote model service for a score.
type HTTPPredictor struct {
	url        string
	httpClient *http.Client
	encoder    *AddressEncoder
	headers    map[string]string
}

// NewHTTPPredictor creates a client for url. Each request is additionally
// bounded by the caller's context.
func NewHTTPPredictor(url string, timeout time.Duration, encoder *AddressEncoder) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if encoder == nil {
		encoder = NewAddressEncoder(0)
	}
	return &HTTPPredictor{
		url:     url,
		encoder: encoder,
		headers: map[string]string{},
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetHeader adds a header sent with every request.
func (p *HTTPPredictor) SetHeader(k, v string) { p.headers[k] = v }

func (p *HTTPPredictor) Predict(ctx context.Context, v *stats.Vector) (float64, error) {
	body := predictRequest{
		Flow:     v.Key().String(),
		Features: v.Map(),
		SrcCode:  p.encoder.Encode(v.Src().Addr),
		DstCode:  p.encoder.Encode(v.Dst().Addr),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindModel, "marshal predict request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return 0, errors.Wrap(err, errors.KindModel, "create predict request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, val := range p.headers {
		req.Header.Set(k, val)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.Wrap(err, errors.KindTimeout, "predict request")
		}
		return 0, errors.Wrap(err, errors.KindUnavailable, "predict request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, errors.Attr(errors.Errorf(errors.KindModel, "predictor returned status %d", resp.StatusCode), "status", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, errors.Wrap(err, errors.KindModel, "decode predict response")
	}
	if out.Score == nil {
		return 0, errors.New(errors.KindModel, "predictor response has no score")
	}
	return *out.Score, nil
}
