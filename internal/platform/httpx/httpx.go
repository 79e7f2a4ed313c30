package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

func IsRetryableHTTPStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// IsRetryableError reports whether err is worth another attempt. A cancelled
// caller context is not: the caller has given up.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}

func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	sleepFor := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				sleepFor = time.Duration(secs) * time.Second
			}
		}
	}
	if max > 0 && sleepFor > max {
		sleepFor = max
	}
	return sleepFor
}

func JitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// Policy is the retry schedule shared by the outbound provider clients.
type Policy struct {
	Name       string
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// retry budget runs out. fn may return the response it got so Retry-After
// can be honored.
func Retry[T any](ctx context.Context, log *logger.Logger, p Policy, fn func(ctx context.Context) (T, *http.Response, error)) (T, error) {
	var zero T
	backoff := p.Initial
	if backoff <= 0 {
		backoff = time.Second
	}
	maxWait := p.Max
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, resp, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsRetryableError(err) || attempt == p.MaxRetries {
			return zero, err
		}

		sleepFor := JitterSleep(RetryAfterDuration(resp, backoff, maxWait))
		if log != nil {
			log.Warn("Provider request retrying",
				"provider", p.Name,
				"attempt", attempt+1,
				"max_retries", p.MaxRetries,
				"sleep", sleepFor.String(),
				"error", err.Error(),
			)
		}

		t := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return zero, errors.New("unreachable retry loop")
}
