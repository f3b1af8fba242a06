package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/llm"
	"github.com/spherical/flyer-offers/internal/metrics"
)

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return ctx.Err()
}

func newTestDispatcher(cfg Config) (*Dispatcher, *sleepRecorder) {
	d := New(cfg, nil, metrics.New())
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, rec
}

func images(n int) []domain.ImageRef {
	out := make([]domain.ImageRef, n)
	for i := range out {
		out[i] = domain.ImageRef{Page: i + 1}
	}
	return out
}

func candidateFor(page int) domain.Candidate {
	p := decimal.NewFromInt(int64(page))
	return domain.Candidate{Title: fmt.Sprintf("Produkt %d", page), Price: &p, Page: page}
}

func TestRunPartialFailure(t *testing.T) {
	d, _ := newTestDispatcher(DefaultConfig())

	res := d.Run(context.Background(), images(10), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		if img.Page == 3 || img.Page == 7 {
			return nil, domain.APIError("bad request", nil)
		}
		return []domain.Candidate{candidateFor(img.Page)}, nil
	}, nil)

	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 8, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Candidates, 8)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 3, res.Failures[0].Image.Page)
	assert.Equal(t, 7, res.Failures[1].Image.Page)
	assert.False(t, res.AllFailed())
}

func TestRunPreservesImageOrder(t *testing.T) {
	d, _ := newTestDispatcher(Config{BatchSize: 4})

	res := d.Run(context.Background(), images(9), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		// later pages finish first
		time.Sleep(time.Duration(10-img.Page) * time.Millisecond)
		return []domain.Candidate{candidateFor(img.Page)}, nil
	}, nil)

	require.Len(t, res.Candidates, 9)
	for i, c := range res.Candidates {
		assert.Equal(t, i+1, c.Page)
	}
}

func TestRunRetriesRateLimit(t *testing.T) {
	d, rec := newTestDispatcher(DefaultConfig())
	var calls int32

	res := d.Run(context.Background(), images(1), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, domain.StatusError(429, "rate limited")
		}
		return []domain.Candidate{candidateFor(img.Page)}, nil
	}, nil)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, []time.Duration{time.Second}, rec.calls)
}

func TestRunDoesNotRetryClientError(t *testing.T) {
	d, rec := newTestDispatcher(DefaultConfig())
	var calls int32

	res := d.Run(context.Background(), images(1), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.StatusError(400, "bad request")
	}, nil)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.AllFailed())
	assert.Empty(t, rec.calls)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Attempts)
}

func TestRunDoesNotRetryTransportFailure(t *testing.T) {
	d, rec := newTestDispatcher(DefaultConfig())
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://llm.test/v1/chat/completions",
		httpmock.NewErrorResponder(errors.New("connection reset by peer")))
	client := llm.NewClient(llm.Config{APIKey: "sk-test", BaseURL: "http://llm.test/v1/chat/completions"}).WithTransport(transport)

	pages := []domain.ImageRef{{Page: 1, URL: "https://cdn.example.com/kw48/01.jpg"}}
	res := d.Run(context.Background(), pages, func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		_, err := client.ExtractProducts(ctx, img, "x")
		return nil, err
	}, nil)

	assert.Equal(t, 1, transport.GetTotalCallCount())
	assert.Equal(t, 0, res.Retries)
	assert.Empty(t, rec.calls)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Attempts)
}

func TestRunRetriesExhausted(t *testing.T) {
	d, rec := newTestDispatcher(DefaultConfig())
	var calls int32

	res := d.Run(context.Background(), images(1), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.StatusError(503, "unavailable")
	}, nil)

	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
	assert.Equal(t, 3, res.Retries)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 4, res.Failures[0].Attempts)
	assert.True(t, domain.IsRetryable(res.Failures[0].Err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.calls)
}

func TestCalculateBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, time.Second, calculateBackoff(0, policy))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, policy))
	assert.Equal(t, 16*time.Second, calculateBackoff(4, policy))
	assert.Equal(t, 30*time.Second, calculateBackoff(5, policy))
	assert.Equal(t, 30*time.Second, calculateBackoff(10, policy))
}

func TestRunBoundsConcurrencyByBatchSize(t *testing.T) {
	d, _ := newTestDispatcher(Config{BatchSize: 3})
	var inFlight, peak int32

	d.Run(context.Background(), images(10), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}, nil)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunPausesBetweenBatches(t *testing.T) {
	d, rec := newTestDispatcher(Config{BatchSize: 5, BatchPause: 250 * time.Millisecond})

	d.Run(context.Background(), images(12), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		return nil, nil
	}, nil)

	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, rec.calls)
}

func TestRunTimeoutFailsOnlyThatUnit(t *testing.T) {
	d, _ := newTestDispatcher(Config{BatchSize: 3, CallTimeout: 20 * time.Millisecond})

	res := d.Run(context.Background(), images(3), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		if img.Page == 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []domain.Candidate{candidateFor(img.Page)}, nil
	}, nil)

	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Image.Page)
	assert.True(t, errors.Is(res.Failures[0].Err, context.DeadlineExceeded))
	assert.Equal(t, 1, res.Failures[0].Attempts)
}

func TestRunReportsProgress(t *testing.T) {
	d, _ := newTestDispatcher(Config{BatchSize: 2})
	var seen []int

	d.Run(context.Background(), images(5), func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		return nil, nil
	}, func(done, total int, img domain.ImageRef, err error) {
		assert.Equal(t, 5, total)
		assert.NoError(t, err)
		seen = append(seen, done)
	})

	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestRunEmpty(t *testing.T) {
	d, _ := newTestDispatcher(DefaultConfig())
	res := d.Run(context.Background(), nil, func(ctx context.Context, img domain.ImageRef) ([]domain.Candidate, error) {
		t.Fatal("work must not be called")
		return nil, nil
	}, nil)

	assert.Zero(t, res.Total)
	assert.False(t, res.AllFailed())
}
