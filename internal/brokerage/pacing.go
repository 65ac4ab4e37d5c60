package brokerage

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// pacer spaces out calls per (account, endpoint) so bursts from a fan-out
// do not trip the brokerage's rate limit
type pacer struct {
	mu       sync.Mutex
	gap      time.Duration
	limiters map[string]*rate.Limiter
}

func newPacer(gap time.Duration) *pacer {
	return &pacer{gap: gap, limiters: make(map[string]*rate.Limiter)}
}

func (p *pacer) limiter(account, endpoint string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := account + ":" + endpoint
	l, ok := p.limiters[key]
	if !ok {
		limit := rate.Inf
		if p.gap > 0 {
			limit = rate.Every(p.gap)
		}
		l = rate.NewLimiter(limit, 1)
		p.limiters[key] = l
	}
	return l
}

// wait blocks until the endpoint may be called for the account
func (p *pacer) wait(ctx context.Context, account, endpoint string) error {
	return p.limiter(account, endpoint).Wait(ctx)
}

// backoff retries fn while it reports HTTP 429. It honours Retry-After when
// present and otherwise grows the delay by 1.6x with a little jitter.
type backoff struct {
	maxAttempts int
	baseDelay   time.Duration
}

func (b backoff) do(ctx context.Context, account, endpoint string, fn func() (*http.Response, error)) (*http.Response, error) {
	delay := b.baseDelay
	attempts := b.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		resp, err := fn()
		if err != nil || resp.StatusCode != http.StatusTooManyRequests || attempt >= attempts {
			return resp, err
		}

		wait := retryAfter(resp)
		if wait <= 0 {
			wait = delay + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
		}
		resp.Body.Close()

		log.Warn().
			Str("account", account).
			Str("endpoint", endpoint).
			Dur("sleep", wait).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("rate limited by brokerage, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * 1.6)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
