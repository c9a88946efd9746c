package metrics

import (
	"io"
	"math"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

type fakeEngine struct{}

func (fakeEngine) OrderCounts() orderbook.Counts { return orderbook.Counts{Bids: 2, Asks: 3, Pending: 1} }
func (fakeEngine) GetState() batch.State {
	return batch.State{BatchID: 9, Status: batch.StatusAccumulating}
}

func TestCollector_Notifications(t *testing.T) {
	c := NewCollector()
	cross := matcher.Match{Kind: matcher.InternalCross}
	liq := matcher.Match{Kind: matcher.ExternalLiquidation}

	c.MatchFound(cross)
	c.MatchFound(cross)
	c.SettlementRecorded(cross, "0xd", big.NewInt(30))
	c.LiquidationExecuted(liq, "0xe")
	c.BatchResolved(batch.Resolution{FailedResiduals: 2, CarriedOver: 1, Duration: 40 * time.Millisecond})
	c.IntakeRejected("bad_signature")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.matches.WithLabelValues("internal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.matches.WithLabelValues("external")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settlements))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.settledVolume))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.liquidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.failedResiduals))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.carriedOver))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("bad_signature")))
}

func TestCollector_HandlerExposesEngineGauges(t *testing.T) {
	c := NewCollector()
	c.WatchEngine(fakeEngine{})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "cloakbook_open_bids 2")
	assert.Contains(t, out, "cloakbook_open_asks 3")
	assert.Contains(t, out, "cloakbook_pending_orders 1")
	assert.Contains(t, out, "cloakbook_batch_id 9")
	assert.Contains(t, out, "cloakbook_batch_status 1")
}

func TestCollector_SettledVolumeBeyondInt64(t *testing.T) {
	c := NewCollector()
	m := matcher.Match{Kind: matcher.InternalCross, ExecutionPrice: 4_000_000_000, ExecutionAmount: 3_000_000_000}
	require.Equal(t, 1, m.Volume().Cmp(big.NewInt(math.MaxInt64)))

	require.NotPanics(t, func() {
		c.SettlementRecorded(m, "0xd", m.Volume())
		c.SettlementRecorded(m, "0xd", nil)
		c.SettlementRecorded(m, "0xd", big.NewInt(-5))
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.settlements))
	assert.InDelta(t, 1.2e19, testutil.ToFloat64(c.settledVolume), 1e6)
}
