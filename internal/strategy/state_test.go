package strategy

import (
	"math"
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func TestSetIntendedRejectsSecondOnSide(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	first := &IntendedOrder{Order: types.Order{OrderID: "1", Side: types.BUY}}
	if err := s.SetIntended(first); err != nil {
		t.Fatalf("first SetIntended: %v", err)
	}
	if err := s.SetIntended(&IntendedOrder{Order: types.Order{OrderID: "2", Side: types.BUY}}); err == nil {
		t.Fatal("second bid must be rejected while the first is tracked")
	}
	// The other side is free.
	if err := s.SetIntended(&IntendedOrder{Order: types.Order{OrderID: "3", Side: types.SELL}}); err != nil {
		t.Fatalf("ask SetIntended: %v", err)
	}

	s.ClearIntended(types.BUY)
	if err := s.SetIntended(&IntendedOrder{Order: types.Order{OrderID: "4", Side: types.BUY}}); err != nil {
		t.Fatalf("SetIntended after clear: %v", err)
	}
}

func TestRecordIntendedFillAccumulates(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	io := &IntendedOrder{Order: types.Order{OrderID: "1", Side: types.BUY, Quantity: 0.01}}
	if err := s.SetIntended(io); err != nil {
		t.Fatal(err)
	}

	s.RecordIntendedFill(types.BUY, "1", 0.004)
	s.RecordIntendedFill(types.BUY, "1", 0.003)
	if got := s.Intended(types.BUY).Order.Remaining(); math.Abs(got-0.003) > 1e-12 {
		t.Errorf("Remaining = %v, want 0.003", got)
	}

	// A fill for some other order never touches the tracked quote.
	s.RecordIntendedFill(types.BUY, "2", 0.003)
	if got := s.Intended(types.BUY).Order.FilledQty; math.Abs(got-0.007) > 1e-12 {
		t.Errorf("FilledQty = %v, want 0.007", got)
	}

	// Overfill reports clamp at the order quantity.
	s.RecordIntendedFill(types.BUY, "1", 1.0)
	if got := s.Intended(types.BUY).Order.Remaining(); got != 0 {
		t.Errorf("Remaining after overfill = %v, want 0", got)
	}
}

func TestVolatilityWindowMath(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	now := time.Now()
	s.ObserveMid(100, now.Add(-2*time.Second))
	s.ObserveMid(101, now.Add(-time.Second))
	s.ObserveMid(99, now)

	// (max-min)/avg * 10000 = 2/100 * 10000 = 200 bps
	got := s.Volatility()
	if math.Abs(got-200) > 0.01 {
		t.Errorf("Volatility = %v, want 200", got)
	}
}

func TestVolatilityWindowEvictsOldSamples(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 1) // 1 second window
	now := time.Now()
	s.ObserveMid(50, now.Add(-5*time.Second)) // expired outlier
	s.ObserveMid(100, now)
	s.ObserveMid(100.1, now)

	if got := s.Volatility(); got > 50 {
		t.Errorf("expired sample still counted: vol = %v", got)
	}
}

func TestVolatilityNeedsTwoSamples(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	if got := s.Volatility(); got != 0 {
		t.Errorf("empty window vol = %v, want 0", got)
	}
	s.ObserveMid(100, time.Now())
	if got := s.Volatility(); got != 0 {
		t.Errorf("single-sample vol = %v, want 0", got)
	}
}

func TestApplyFillToPosition(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	buy := types.FillEvent{Symbol: "BTC-USD", Side: types.BUY, FillQty: 0.03}
	if pos := s.ApplyFillToPosition("standx", buy); pos != 0.03 {
		t.Errorf("after buy: %v, want 0.03", pos)
	}
	sell := types.FillEvent{Symbol: "BTC-USD", Side: types.SELL, FillQty: 0.05}
	if pos := s.ApplyFillToPosition("standx", sell); math.Abs(pos-(-0.02)) > 1e-12 {
		t.Errorf("after sell: %v, want -0.02", pos)
	}
	if got := s.Position("standx", "BTC-USD"); math.Abs(got-(-0.02)) > 1e-12 {
		t.Errorf("Position = %v, want -0.02", got)
	}
}

func TestUptimeTierCredit(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	s.AccrueUptime(5, 10*time.Second)        // tier 0, weight 1.0
	s.AccrueUptime(20, 10*time.Second)       // tier 1, weight 0.5
	s.AccrueUptime(60, 10*time.Second)       // tier 2, weight 0.1
	s.AccrueUptime(500, 10*time.Second)      // beyond all tiers, no credit
	s.AccrueUptime(math.Inf(1), time.Second) // no quotes resting

	u := s.Uptime()
	if u.TierSeconds[0] != 10 || u.TierSeconds[1] != 10 || u.TierSeconds[2] != 10 {
		t.Errorf("tier seconds = %v", u.TierSeconds)
	}
	if u.TierSeconds[3] != 10 {
		t.Errorf("uncredited seconds = %v, want 10", u.TierSeconds[3])
	}
	if u.NoQuoteSeconds != 1 {
		t.Errorf("no-quote seconds = %v, want 1", u.NoQuoteSeconds)
	}
	want := 10*1.0 + 10*0.5 + 10*0.1
	if math.Abs(u.WeightedScore-want) > 1e-9 {
		t.Errorf("weighted score = %v, want %v", u.WeightedScore, want)
	}
	if u.TotalSeconds != 41 {
		t.Errorf("total = %v, want 41", u.TotalSeconds)
	}
}

func TestEntryMemoLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	if _, _, ok := s.Entry(); ok {
		t.Fatal("fresh state must have no entry memo")
	}
	s.RecordEntry(65000, types.BUY)
	price, side, ok := s.Entry()
	if !ok || price != 65000 || side != types.BUY {
		t.Fatalf("Entry = %v %v %v", price, side, ok)
	}
	// A newer opening fill overwrites the memo.
	s.RecordEntry(66000, types.BUY)
	if price, _, _ := s.Entry(); price != 66000 {
		t.Errorf("memo not overwritten: %v", price)
	}
	s.ClearEntry()
	if _, _, ok := s.Entry(); ok {
		t.Error("memo must be gone after clear")
	}
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	for i := 0; i < historySize+10; i++ {
		s.LogOp("test", "op %d", i)
	}
	h := s.History()
	if len(h) != historySize {
		t.Fatalf("len(History) = %d, want %d", len(h), historySize)
	}
	if h[0].Summary != "op 10" {
		t.Errorf("oldest kept = %q, want op 10", h[0].Summary)
	}
	if h[len(h)-1].Summary != "op 59" {
		t.Errorf("newest = %q, want op 59", h[len(h)-1].Summary)
	}
}

func TestRebateStatsAttribution(t *testing.T) {
	t.Parallel()

	s := NewMMState("BTC-USD", 60)
	// maker -0.5 bps is a rebate; unknown liquidity is priced as taker.
	s.RecordFill(types.FillEvent{FillQty: 0.01, FillPrice: 65000, IsMaker: types.MakerYes}, -0.5, 2)
	s.RecordFill(types.FillEvent{FillQty: 0.02, FillPrice: 65000, IsMaker: types.MakerNo}, -0.5, 2)
	s.RecordFill(types.FillEvent{FillQty: 0.01, FillPrice: 65000, IsMaker: types.MakerUnknown}, -0.5, 2)
	s.RecordPostOnlyReject()
	s.RecordHedgeCost(1.5, 0.5)

	r := s.Rebate()
	if r.Fills != 3 || r.MakerFills != 1 || r.TakerFills != 1 || r.UnknownFills != 1 {
		t.Errorf("fill counts wrong: %+v", r)
	}
	if math.Abs(r.Volume-0.04) > 1e-12 {
		t.Errorf("volume = %v", r.Volume)
	}
	// 650 USD maker notional at -0.5 bps.
	if math.Abs(r.MakerFeesUSD-(-0.0325)) > 1e-9 {
		t.Errorf("maker fees = %v, want -0.0325", r.MakerFeesUSD)
	}
	// (1300 + 650) USD taker notional at 2 bps.
	if math.Abs(r.TakerFeesUSD-0.39) > 1e-9 {
		t.Errorf("taker fees = %v, want 0.39", r.TakerFeesUSD)
	}
	if r.PostOnlyRejects != 1 {
		t.Errorf("rejects = %d", r.PostOnlyRejects)
	}
	if r.HedgeFeesUSD != 1.5 || r.SlippageUSD != 0.5 {
		t.Errorf("hedge costs: %+v", r)
	}
}
