// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"context"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/stats"
)

// Predictor scores a feature vector in [0,1]. Implementations may be remote
// and may fail; they must honor ctx.
type Predictor interface {
	Predict(ctx context.Context, v *stats.Vector) (float64, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, v *stats.Vector) (float64, error)

func (f PredictorFunc) Predict(ctx context.Context, v *stats.Vector) (float64, error) {
	return f(ctx, v)
}

// Static returns a predictor that always answers score.
func Static(score float64) Predictor {
	return PredictorFunc(func(context.Context, *stats.Vector) (float64, error) {
		return score, nil
	})
}

// RateLimited caps predictor calls. Over-limit calls fail with KindModel so
// the scorer's fallback applies instead of queueing.
type RateLimited struct {
	next    Predictor
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of perSecond and burst.
func NewRateLimited(next Predictor, perSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Predict(ctx context.Context, v *stats.Vector) (float64, error) {
	if !r.limiter.Allow() {
		return 0, errors.New(errors.KindModel, "predictor rate limit exceeded")
	}
	return r.next.Predict(ctx, v)
}

// AddressEncoder maps addresses to categorical bucket indices for models
// that take addresses as inputs. It reads copies only; keys and records are
// never touched.
type AddressEncoder struct {
	buckets uint64
}

// NewAddressEncoder creates an encoder with the given bucket count.
func NewAddressEncoder(buckets uint64) *AddressEncoder {
	if buckets == 0 {
		buckets = 1 << 16
	}
	return &AddressEncoder{buckets: buckets}
}

// Encode returns the bucket index of addr, or -1 for an invalid address.
func (e *AddressEncoder) Encode(addr netip.Addr) float64 {
	if !addr.IsValid() {
		return -1
	}
	b := addr.Unmap().As16()
	return float64(xxhash.Sum64(b[:]) % e.buckets)
}
