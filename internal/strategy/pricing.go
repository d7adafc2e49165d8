// pricing.go computes the two-sided quote plan for one tick.
//
// The geometry layers up in a fixed order:
//
//  1. Base distance from best: order_distance_bps in uptime mode, the
//     aggressiveness preset (0/1/2 bps) in rebate mode.
//  2. Volatility widening: distances scale linearly once volatility passes
//     70% of the pause threshold, up to distance_multiplier at 100%.
//  3. Inventory skew: the side that grows exposure is pushed away, the side
//     that sheds it is pulled closer, proportional to position ratio.
//  4. Breakeven reversion: with an open position and an entry memo, the
//     closing side is instead quoted at entry ± offset, allowed inside best.
//  5. Caps: the soft cap suppresses the growing side entirely; the rebate
//     spread floor drops everything but the shedding side in tight books.
//  6. Tick rounding: bids floor, asks ceil.
//
// Everything here is pure — the executor feeds in a book snapshot, the
// current position, and volatility, and gets back a plan to reconcile.
package strategy

import (
	"math"

	"perp-mm/internal/config"
	"perp-mm/internal/exchange"
	"perp-mm/pkg/types"
)

// Quote is one side of a planned two-sided market.
type Quote struct {
	Side        types.Side
	Price       float64
	Size        float64
	IsBreakeven bool
}

// QuotePlan is the desired resting state for one tick. A nil side means no
// quote should rest there; the reason records why for logs and the API.
type QuotePlan struct {
	Bid, Ask      *Quote
	BidSuppressed string
	AskSuppressed string
}

// PricingInputs bundles the per-tick market observation.
type PricingInputs struct {
	Book          *types.Orderbook
	Spec          *types.SymbolSpec
	Position      float64 // signed, primary venue
	VolatilityBps float64
	EntryPrice    float64
	EntrySide     types.Side
	HasEntry      bool
}

// BuildQuotePlan computes the desired two-sided market for this tick.
func BuildQuotePlan(cfg *config.StrategyConfig, in PricingInputs) QuotePlan {
	plan := QuotePlan{}

	bestBid, okB := in.Book.BestBid()
	bestAsk, okA := in.Book.BestAsk()
	mid, okM := in.Book.MidPrice()
	if !okB || !okA || !okM || mid <= 0 {
		plan.BidSuppressed = "empty book"
		plan.AskSuppressed = "empty book"
		return plan
	}

	base := baseDistanceBps(cfg)
	widen := volatilityMultiplier(in.VolatilityBps, cfg.Volatility)
	bidBps, askBps := skewedDistances(cfg, base*widen, in.Position)

	bidPrice := bestBid.Price * (1 - bidBps/10000)
	askPrice := bestAsk.Price * (1 + askBps/10000)

	bid := &Quote{Side: types.BUY, Price: bidPrice, Size: cfg.OrderSize}
	ask := &Quote{Side: types.SELL, Price: askPrice, Size: cfg.OrderSize}

	// Breakeven reversion replaces the closing side's price with
	// entry ± offset. It may quote inside best.
	if cfg.Breakeven.Enabled && in.HasEntry && in.Position != 0 {
		offset := cfg.Breakeven.OffsetBps / 10000
		if in.Position > 0 {
			ask.Price = in.EntryPrice * (1 + offset)
			ask.IsBreakeven = true
		} else {
			bid.Price = in.EntryPrice * (1 - offset)
			bid.IsBreakeven = true
		}
	}

	// Soft cap: never grow exposure past max_position.
	if in.Position >= cfg.MaxPosition {
		bid = nil
		plan.BidSuppressed = "soft position cap"
	}
	if in.Position <= -cfg.MaxPosition {
		ask = nil
		plan.AskSuppressed = "soft position cap"
	}

	// Rebate spread floor: in books tighter than min_spread_ticks, resting
	// both sides just churns fills. Keep only the side that sheds inventory,
	// or the bid when flat.
	if cfg.Mode == types.ModeRebate && cfg.MinSpreadTicks > 0 && in.Spec != nil {
		if spread, ok := in.Book.Spread(); ok && spread < float64(cfg.MinSpreadTicks)*in.Spec.PriceTick {
			if in.Position > 0 {
				bid = nil
				plan.BidSuppressed = "spread floor"
			} else {
				ask = nil
				plan.AskSuppressed = "spread floor"
			}
		}
	}

	if in.Spec != nil {
		if bid != nil {
			bid.Price = exchange.RoundPrice(bid.Price, in.Spec.PriceTick, types.BUY)
		}
		if ask != nil {
			ask.Price = exchange.RoundPrice(ask.Price, in.Spec.PriceTick, types.SELL)
		}
	}

	plan.Bid, plan.Ask = bid, ask
	return plan
}

// baseDistanceBps is the unskewed quote distance from best.
func baseDistanceBps(cfg *config.StrategyConfig) float64 {
	if cfg.Mode == types.ModeRebate {
		return cfg.Aggressiveness.BaseBps()
	}
	return cfg.OrderDistanceBps
}

// volatilityMultiplier widens quotes as volatility approaches the pause
// threshold: 1.0 below 70% of the threshold, scaling linearly to
// distance_multiplier at the threshold itself.
func volatilityMultiplier(volBps float64, vc config.VolatilityConfig) float64 {
	if vc.ThresholdBps <= 0 || vc.DistanceMultiplier <= 1 {
		return 1
	}
	frac := volBps / vc.ThresholdBps
	if frac <= 0.7 {
		return 1
	}
	if frac >= 1 {
		return vc.DistanceMultiplier
	}
	return 1 + (frac-0.7)/0.3*(vc.DistanceMultiplier-1)
}

// positionRatio maps the signed position into [-1, 1] against the larger of
// max_position and three order sizes, so small configs still skew smoothly.
func positionRatio(cfg *config.StrategyConfig, position float64) float64 {
	denom := math.Max(cfg.MaxPosition, 3*cfg.OrderSize)
	if denom <= 0 {
		return 0
	}
	return clamp(position/denom, -1, 1)
}

// skewedDistances applies inventory skew to the base distance. When long,
// the bid is pushed out by up to max_bps and the ask pulled in by up to
// pull_bps — but the pull is capped at 70% of the ratio so the shedding
// side never chases all the way to best. Both sides respect their floors.
func skewedDistances(cfg *config.StrategyConfig, base, position float64) (bidBps, askBps float64) {
	bidBps, askBps = base, base
	if !cfg.InventorySkew.Enabled {
		return bidBps, askBps
	}

	ratio := positionRatio(cfg, position)
	if ratio == 0 {
		return bidBps, askBps
	}

	sk := cfg.InventorySkew
	pull := math.Min(math.Abs(ratio), 0.7) * sk.PullBps
	if ratio > 0 {
		bidBps = base + ratio*sk.MaxBps
		askBps = math.Max(base-pull, sk.MinReversionQuoteBps)
		bidBps = math.Max(bidBps, sk.MinQuoteBps)
	} else {
		askBps = base + (-ratio)*sk.MaxBps
		bidBps = math.Max(base-pull, sk.MinReversionQuoteBps)
		askBps = math.Max(askBps, sk.MinQuoteBps)
	}
	return bidBps, askBps
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// distanceFromMidBps is how far a resting price sits from the mid, in bps.
// Always non-negative.
func distanceFromMidBps(price, mid float64) float64 {
	if mid <= 0 {
		return 0
	}
	return math.Abs(price-mid) / mid * 10000
}

// distanceFromBestBps is how far a resting quote drifted from its side's
// best, in bps of the best price.
func distanceFromBestBps(side types.Side, price float64, book *types.Orderbook) (float64, bool) {
	var best types.PriceLevel
	var ok bool
	if side == types.BUY {
		best, ok = book.BestBid()
	} else {
		best, ok = book.BestAsk()
	}
	if !ok || best.Price <= 0 {
		return 0, false
	}
	return math.Abs(price-best.Price) / best.Price * 10000, true
}
