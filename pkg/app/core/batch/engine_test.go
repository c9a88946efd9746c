package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

func TestEngine_WindowOnlyResolution(t *testing.T) {
	h := newHarness(t, nil, nil)

	assert.Equal(t, StatusIdle, h.eng.GetState().Status)
	require.NoError(t, h.eng.AddOrder(ord("b1", orderbook.Buy, 10, 1)))

	st := h.eng.GetState()
	assert.Equal(t, StatusAccumulating, st.Status)
	assert.Equal(t, uint64(1), st.BatchID)
	assert.Equal(t, int64(60_000), st.TimeRemainingMs)
	assert.Equal(t, 1, h.clock.Pending())

	// later arrivals never extend the window
	h.clock.Advance(40 * time.Second)
	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 12, 1)))
	st = h.eng.GetState()
	assert.Equal(t, uint64(1), st.BatchID)
	assert.Equal(t, int64(20_000), st.TimeRemainingMs)
	assert.Equal(t, 1, h.clock.Pending(), "still a single live timer")
	assert.Empty(t, h.rec.Resolutions())

	h.clock.Advance(19 * time.Second)
	assert.Empty(t, h.rec.Resolutions())

	h.clock.Advance(time.Second)
	res := h.rec.Resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].BatchID)
	assert.Equal(t, 2, res[0].TotalOrders)
	assert.Equal(t, 0, res[0].InternalMatches)
	assert.Equal(t, 1, res[0].CarriedOver)
}

func TestEngine_ThresholdResolvesImmediately(t *testing.T) {
	h := newHarness(t, nil, nil)

	for i := 0; i < 9; i++ {
		require.NoError(t, h.eng.AddOrder(ord(fmt.Sprintf("b%d", i), orderbook.Buy, 10, 1)))
	}
	assert.Equal(t, StatusAccumulating, h.eng.GetState().Status)
	assert.Empty(t, h.rec.Resolutions())

	require.NoError(t, h.eng.AddOrder(ord("b9", orderbook.Buy, 10, 1)))
	require.Eventually(t, func() bool { return len(h.rec.Resolutions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	res := h.rec.Resolutions()[0]
	assert.Equal(t, uint64(1), res.BatchID)
	assert.Equal(t, 10, res.CarriedOver)

	// the first window's timer was cancelled; only the auto-continued one is live
	st := h.eng.GetState()
	assert.Equal(t, StatusAccumulating, st.Status)
	assert.Equal(t, uint64(2), st.BatchID)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(60 * time.Second)
	res2 := h.rec.Resolutions()
	require.Len(t, res2, 2, "no double resolution of batch 1")
	assert.Equal(t, uint64(2), res2[1].BatchID)
}

func TestEngine_PhaseA_SettlesMatchesIndependently(t *testing.T) {
	settler := &fakeSettler{fail: map[string]bool{"b20": true}}
	h := newHarness(t, settler, nil)

	for _, o := range []*orderbook.Order{
		ord("b20", orderbook.Buy, 20, 1),
		ord("b19", orderbook.Buy, 19, 2),
		ord("s1", orderbook.Sell, 1, 1),
		ord("s2", orderbook.Sell, 2, 3),
	} {
		require.NoError(t, h.eng.AddOrder(o))
	}

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.InternalMatches)
	assert.Len(t, settler.calls, 2, "a failed match does not block its sibling")

	second := settler.calls[1]
	assert.Equal(t, "b19", second.BuyerID)
	assert.Equal(t, int64(2), second.BuyerPayout.ToInt().Int64())
	assert.Equal(t, int64(20), second.SellerPayout.ToInt().Int64(), "amount 2 at floor((19+2)/2)=10")

	recent := h.eng.RecentMatches(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "b19", recent[0].BuyCommitment())
	assert.Equal(t, "0xd-b19", recent[0].Digest())
	assert.False(t, recent[1].Settled(), "failed match stays undigested")

	assert.Equal(t, 2, h.rec.found)
	assert.Equal(t, []string{"0xd-b19"}, h.rec.settled)
	assert.Len(t, h.store.matches, 2)
	assert.Equal(t, StatusIdle, h.eng.GetState().Status)
}

func TestEngine_PhaseA_NoSettlerRecordsMatches(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.AddOrder(ord("b", orderbook.Buy, 10, 1)))
	require.NoError(t, h.eng.AddOrder(ord("s", orderbook.Sell, 10, 1)))

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.InternalMatches)
	recent := h.eng.RecentMatches(0)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Settled())
}

func TestEngine_PhaseB_LiquidatesResidualSells(t *testing.T) {
	liq := &fakeLiquidator{}
	h := newHarness(t, nil, liq)
	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 50, 1)))
	require.NoError(t, h.eng.AddOrder(ord("s2", orderbook.Sell, 60, 1)))

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExternallySettled)
	assert.Equal(t, 0, res.FailedResiduals)
	assert.Equal(t, [][]string{{"s1", "s2"}}, liq.Cohorts())
	assert.Equal(t, 0, h.eng.OrderCounts().Asks)
	assert.Equal(t, StatusIdle, h.eng.GetState().Status, "empty book does not auto-continue")

	recent := h.eng.RecentMatches(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "0xcohort", recent[0].Digest())
	assert.Nil(t, recent[0].Buy)
	assert.Equal(t, []string{"s1", "s2"}, h.rec.liquidated)
}

func TestEngine_PhaseB_CohortFailureKeepsSellsUnchanged(t *testing.T) {
	liq := &fakeLiquidator{fail: true}
	h := newHarness(t, nil, liq)
	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 50, 3)))
	require.NoError(t, h.eng.AddOrder(ord("s2", orderbook.Sell, 60, 4)))

	before := map[string]orderbook.Order{}
	for _, o := range h.book.GetAsks() {
		before[o.Commitment] = *o
	}

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedResiduals)
	assert.Equal(t, 0, res.ExternallySettled)

	for id, want := range before {
		got, ok := h.book.GetOrder(id)
		require.True(t, ok, "%s survives the failed cohort", id)
		assert.Equal(t, want, *got)
	}

	// the next resolution sees the same candidates plus the new arrival
	require.NoError(t, h.eng.AddOrder(ord("s3", orderbook.Sell, 55, 1)))
	_, err = h.eng.Resolve(context.Background())
	require.NoError(t, err)
	cohorts := liq.Cohorts()
	require.Len(t, cohorts, 2)
	assert.Equal(t, []string{"s1", "s3", "s2"}, cohorts[1])
}

func TestEngine_BuyOnlyResidualsAutoContinue(t *testing.T) {
	h := newHarness(t, nil, &fakeLiquidator{})
	require.NoError(t, h.eng.AddOrder(ord("b1", orderbook.Buy, 10, 1)))

	h.clock.Advance(60 * time.Second)
	res := h.rec.Resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].CarriedOver)

	st := h.eng.GetState()
	assert.Equal(t, StatusAccumulating, st.Status)
	assert.Equal(t, uint64(2), st.BatchID)
	assert.Equal(t, int64(60_000), st.TimeRemainingMs)
	assert.Equal(t, 1, h.clock.Pending())

	o, ok := h.book.GetOrder("b1")
	require.True(t, ok)
	assert.Equal(t, orderbook.StatusCarriedOver, o.Status)

	// and the re-armed window resolves on its own
	h.clock.Advance(60 * time.Second)
	assert.Len(t, h.rec.Resolutions(), 2)
}

func TestEngine_ResolveWhileResolvingIsNoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	liq := &fakeLiquidator{fail: true, during: func() {
		close(entered)
		<-release
	}}
	h := newHarness(t, nil, liq)
	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 50, 1)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.eng.Resolve(context.Background())
	}()
	<-entered

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StatusResolving, h.eng.GetState().Status)

	// arrivals during resolution wait for the next window and arm no timer
	require.NoError(t, h.eng.AddOrder(ord("b-late", orderbook.Buy, 10, 1)))
	assert.Equal(t, 0, h.clock.Pending())

	close(release)
	wg.Wait()

	got := h.rec.Resolutions()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].CarriedOver, "late buy is outside the snapshot")
	assert.Equal(t, 1, got[0].TotalOrders)

	st := h.eng.GetState()
	assert.Equal(t, StatusAccumulating, st.Status)
	assert.Equal(t, uint64(2), st.BatchID)
	assert.Equal(t, 2, st.OrderCount)
}

func TestEngine_CancelDuringLiquidationIsNotReinserted(t *testing.T) {
	h := newHarness(t, nil, nil)
	liq := &fakeLiquidator{fail: true}
	liq.during = func() {
		assert.True(t, h.eng.CancelOrder("s1"))
		assert.ErrorIs(t, h.eng.AddOrder(ord("s2", orderbook.Sell, 1, 1)), ErrDuplicateOrder)
	}
	h.eng.liquidator = liq

	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 50, 1)))
	require.NoError(t, h.eng.AddOrder(ord("s2", orderbook.Sell, 60, 1)))

	_, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.False(t, h.book.Contains("s1"))
	assert.True(t, h.book.Contains("s2"))
	assert.False(t, h.eng.Known("s1"))
}

func TestEngine_StaleTimerIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.AddOrder(ord("b", orderbook.Buy, 10, 1)))

	h.eng.mu.Lock()
	staleGen := h.eng.gen
	h.eng.mu.Unlock()

	_, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, h.rec.Resolutions(), 1)

	h.eng.onTimer(staleGen)
	assert.Len(t, h.rec.Resolutions(), 1)
	assert.Equal(t, uint64(2), h.eng.GetState().BatchID)
}

func TestEngine_EmptyResolveGoesIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)

	st := h.eng.GetState()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, uint64(0), st.BatchID)
	assert.Nil(t, st.LastResolution)

	// window whose orders were all cancelled
	require.NoError(t, h.eng.AddOrder(ord("b", orderbook.Buy, 10, 1)))
	require.True(t, h.eng.CancelOrder("b"))
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.rec.Resolutions())
	assert.Equal(t, StatusIdle, h.eng.GetState().Status)
}

func TestEngine_AddOrderValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.AddOrder(ord("x", orderbook.Buy, 10, 1)))

	tests := []struct {
		name string
		o    *orderbook.Order
		want error
	}{
		{name: "duplicate", o: ord("x", orderbook.Buy, 10, 1), want: ErrDuplicateOrder},
		{name: "zero price", o: ord("y", orderbook.Buy, 0, 1), want: ErrInvalidOrder},
		{name: "zero amount", o: ord("y", orderbook.Buy, 10, 0), want: ErrInvalidOrder},
		{
			name: "bad receivers",
			o: func() *orderbook.Order {
				o := ord("y", orderbook.Sell, 10, 1)
				o.Receivers = []orderbook.Receiver{{Address: common.HexToAddress("0x1"), Percentage: 99}}
				return o
			}(),
			want: ErrInvalidReceivers,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.eng.AddOrder(tt.o), tt.want)
		})
	}
	assert.Equal(t, 1, h.eng.GetState().OrderCount)
}

func TestEngine_PendingOrders(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.AddPendingOrder(&orderbook.PendingOrder{Commitment: "p", FirstSeen: t0}))
	assert.True(t, h.eng.Known("p"))
	assert.Equal(t, StatusIdle, h.eng.GetState().Status, "pending orders open no window")
	assert.Equal(t, 1, h.eng.OrderCounts().Pending)

	require.NoError(t, h.eng.AddOrder(ord("p", orderbook.Buy, 10, 1)))
	assert.Empty(t, h.eng.PendingOrders())
	assert.True(t, h.eng.CancelOrder("p"))
	assert.False(t, h.eng.CancelOrder("p"))
}

func TestEngine_StartRestoresAndWAL(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.latest = &Resolution{BatchID: 41, Timestamp: t0}
	wal := &lineWAL{}
	h.eng.WAL = wal
	require.NoError(t, h.eng.Start(context.Background()))

	st := h.eng.GetState()
	assert.Equal(t, uint64(41), st.BatchID)
	require.NotNil(t, st.LastResolution)

	require.NoError(t, h.eng.AddOrder(ord("b", orderbook.Buy, 10, 1)))
	assert.Equal(t, uint64(42), h.eng.GetState().BatchID)

	h.clock.Advance(time.Minute)
	require.Len(t, wal.lines, 1)
	assert.Equal(t, "resolved batch=42 matches=0 settled=0 failed=0 carried=1 total=1", wal.lines[0])
	assert.Equal(t, uint64(42), h.store.latest.BatchID)
	h.eng.Stop()
	assert.Equal(t, 0, h.clock.Pending())
}

func TestEngine_StopWaitsForTriggeredResolution(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	liq := &fakeLiquidator{during: func() {
		close(entered)
		<-release
	}}
	h := newHarness(t, nil, liq)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.eng.Start(ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, h.eng.AddOrder(ord(fmt.Sprintf("s%d", i), orderbook.Sell, 50, 1)))
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("threshold resolution never reached the liquidator")
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		h.eng.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the cohort was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the resolution finished")
	}

	res := h.rec.Resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, 10, res[0].ExternallySettled)
	require.Len(t, liq.ctxErrs, 1)
	assert.NoError(t, liq.ctxErrs[0], "shutdown must not cancel a running phase")
	require.NotNil(t, h.store.latest)
	assert.Equal(t, uint64(1), h.store.latest.BatchID)
	assert.Equal(t, StatusIdle, h.eng.GetState().Status)

	// nothing new starts once stopped
	require.NoError(t, h.eng.AddOrder(ord("b-after", orderbook.Buy, 10, 1)))
	assert.Equal(t, 0, h.clock.Pending())
	late, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, late)
}

func TestEngine_ResolveWhenIdleKeepsBatchID(t *testing.T) {
	h := newHarness(t, nil, &fakeLiquidator{})
	require.NoError(t, h.eng.AddOrder(ord("s1", orderbook.Sell, 50, 1)))

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, uint64(1), res.BatchID)
	assert.Equal(t, StatusIdle, h.eng.GetState().Status)

	res, err = h.eng.Resolve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	st := h.eng.GetState()
	assert.Equal(t, uint64(1), st.BatchID, "ids are only allocated when a window opens")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Len(t, h.rec.Resolutions(), 1)
}

func TestEngine_ResolutionCarriesReferencePrice(t *testing.T) {
	px := decimal.RequireFromString("101.5")
	h := newHarness(t, nil, nil)
	h.eng.matcher = matcher.New(h.book, nil, matcher.WithClock(h.clock), matcher.WithOracle(stubOracle{px: &px}, time.Second))
	require.NoError(t, h.eng.AddOrder(ord("b1", orderbook.Buy, 10, 1)))

	res, err := h.eng.Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "101.5", res.ReferencePrice)

	// no oracle configured
	h2 := newHarness(t, nil, nil)
	require.NoError(t, h2.eng.AddOrder(ord("b1", orderbook.Buy, 10, 1)))
	res, err = h2.eng.Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.ReferencePrice)
}
