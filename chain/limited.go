package chain

import (
	"context"

	"golang.org/x/time/rate"

	"hut.evalgo.org/common"
)

// Limited wraps an Adapter with a token bucket shared by Submit and
// QueryStatus.
type Limited struct {
	Adapter
	limiter *rate.Limiter
}

// NewLimited returns a rate-limited adapter, or a unchanged when rps <= 0.
func NewLimited(a Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return a
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Adapter: a, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Submit waits for a token, then submits.
func (l *Limited) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", common.NewAdapterError(l.Network(), "submit", err)
	}
	return l.Adapter.Submit(ctx, req)
}

// QueryStatus waits for a token, then queries.
func (l *Limited) QueryStatus(ctx context.Context, reference string) (TxStatus, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return TxStatus{}, common.NewAdapterError(l.Network(), "query", err)
	}
	return l.Adapter.QueryStatus(ctx, reference)
}
