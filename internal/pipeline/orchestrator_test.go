package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/domain"
)

func TestRunAllCollectsPerRetailerOutcome(t *testing.T) {
	f := newFixture(t)

	var loads int32
	load := func(ctx context.Context, r domain.Retailer, w domain.WeekKey) (domain.RawSource, error) {
		atomic.AddInt32(&loads, 1)
		if r == domain.RetailerPenny {
			return domain.RawSource{}, errors.New("render timed out")
		}
		return textSource("Kaffee 4,99 €\nButter 1,79 €"), nil
	}

	o := NewOrchestrator(f.pipeline, load, 2, nil, nil)
	summary := o.RunAll(context.Background(), []RunRequest{
		{Retailer: domain.RetailerLidl, WeekKey: week48, Source: textSource("Milch 0,99 €")},
		{Retailer: domain.RetailerAldiNord, WeekKey: week48},
		{Retailer: domain.RetailerPenny, WeekKey: week48},
		{Retailer: domain.RetailerRewe, WeekKey: week48, Source: textSource("")},
	})

	require.Len(t, summary.Runs, 4)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads), "only requests without a source are loaded")

	assert.Equal(t, domain.RetailerLidl, summary.Runs[0].Retailer)
	assert.Equal(t, StatusSuccess, summary.Runs[0].Status)
	assert.Equal(t, 1, summary.Runs[0].Stored)

	assert.Equal(t, StatusSuccess, summary.Runs[1].Status)
	assert.Equal(t, 2, summary.Runs[1].Stored)

	assert.Equal(t, StatusFailed, summary.Runs[2].Status)
	assert.EqualError(t, summary.Runs[2].Err, "render timed out")
	assert.Nil(t, summary.Runs[2].Result)

	assert.Equal(t, StatusFailed, summary.Runs[3].Status)
	assert.NotEmpty(t, summary.Runs[3].Error)
	require.NotNil(t, summary.Runs[3].Result)

	assert.Equal(t, 2, summary.Succeeded())
	assert.Equal(t, 2, summary.Failed())
	assert.True(t, summary.Partial())
}

func TestRunAllConcurrencyLimit(t *testing.T) {
	f := newFixture(t)

	var running, peak int32
	release := make(chan struct{})
	load := func(ctx context.Context, r domain.Retailer, w domain.WeekKey) (domain.RawSource, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return textSource("Milch 0,99 €"), nil
	}

	var reqs []RunRequest
	for _, r := range domain.SupportedRetailers {
		reqs = append(reqs, RunRequest{Retailer: r, WeekKey: week48})
	}

	done := make(chan Summary)
	go func() { done <- NewOrchestrator(f.pipeline, load, 3, nil, nil).RunAll(context.Background(), reqs) }()
	close(release)
	summary := <-done

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, len(domain.SupportedRetailers), summary.Succeeded())
	assert.False(t, summary.Partial())
}

func TestRunAllEmitsFinalEventPerRun(t *testing.T) {
	f := newFixture(t)
	load := func(ctx context.Context, r domain.Retailer, w domain.WeekKey) (domain.RawSource, error) {
		if r == domain.RetailerPenny {
			return domain.RawSource{}, errors.New("render timed out")
		}
		return textSource("Milch 0,99 €"), nil
	}

	// Too small for every stage event; only the final events are guaranteed.
	events := make(chan domain.StreamEvent, 1)
	finals := make(map[domain.Retailer]domain.EventType)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Type == domain.EventRunComplete || ev.Type == domain.EventError {
				finals[ev.Retailer] = ev.Type
			}
		}
	}()

	summary := NewOrchestrator(f.pipeline, load, 2, nil, nil).RunAll(context.Background(), []RunRequest{
		{Retailer: domain.RetailerLidl, WeekKey: week48, Events: events},
		{Retailer: domain.RetailerPenny, WeekKey: week48, Events: events},
		{Retailer: domain.RetailerRewe, WeekKey: week48, Events: events},
	})
	close(events)
	<-done

	assert.Equal(t, 1, summary.Failed())
	assert.Equal(t, map[domain.Retailer]domain.EventType{
		domain.RetailerLidl:  domain.EventRunComplete,
		domain.RetailerPenny: domain.EventError,
		domain.RetailerRewe:  domain.EventRunComplete,
	}, finals)
}

func TestRunAllRecoversPanickingRun(t *testing.T) {
	f := newFixture(t)
	load := func(ctx context.Context, r domain.Retailer, w domain.WeekKey) (domain.RawSource, error) {
		if r == domain.RetailerKaufland {
			panic("rasterizer crashed")
		}
		return textSource("Milch 0,99 €"), nil
	}
	events := make(chan domain.StreamEvent, 64)

	summary := NewOrchestrator(f.pipeline, load, 2, nil, nil).RunAll(context.Background(), []RunRequest{
		{Retailer: domain.RetailerLidl, WeekKey: week48},
		{Retailer: domain.RetailerKaufland, WeekKey: week48, Events: events},
		{Retailer: domain.RetailerNetto, WeekKey: week48},
	})
	close(events)

	require.Len(t, summary.Runs, 3)
	assert.Equal(t, StatusSuccess, summary.Runs[0].Status)
	assert.Equal(t, StatusSuccess, summary.Runs[2].Status)

	failed := summary.Runs[1]
	assert.Equal(t, domain.RetailerKaufland, failed.Retailer)
	assert.Equal(t, week48, failed.WeekKey)
	assert.Equal(t, StatusFailed, failed.Status)
	require.Error(t, failed.Err)
	assert.Contains(t, failed.Error, "rasterizer crashed")
	assert.Equal(t, 1, summary.Failed())

	var errorEvents int
	for ev := range events {
		if ev.Type == domain.EventError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
}

func TestSummaryPartial(t *testing.T) {
	assert.False(t, Summary{}.Partial())
	allFailed := Summary{Runs: []RunSummary{{Err: errors.New("x")}, {Err: errors.New("y")}}}
	assert.False(t, allFailed.Partial())
	assert.Equal(t, 2, allFailed.Failed())
}
