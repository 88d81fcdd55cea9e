package engine

import (
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"gonum.org/v1/gonum/stat"
)

// FeeSample 单次费价观测
type FeeSample struct {
	At    time.Time
	Price *uint256.Int
}

// FeeStats 费价统计（用于 metrics/status 上报）
type FeeStats struct {
	Average     *uint256.Int `json:"average"`
	Peak        *uint256.Int `json:"peak"`
	Last        *uint256.Int `json:"last"`
	Congestion  float64      `json:"congestion"`
	SampleCount uint64       `json:"sample_count"`
}

// FeeOracle keeps a bounded FIFO of observed network fee levels and derives
// a congestion estimate from them. Every price the oracle issues is recorded
// back into the buffer, so the oracle reacts to its own output as well as to
// externally observed prices.
type FeeOracle struct {
	mu          sync.Mutex
	samples     []FeeSample // ring buffer
	head        int
	count       int
	multiplier  float64
	sensitivity float64
	maxPrice    *uint256.Int
	boost       *uint256.Int // flat priority addend

	peak     *uint256.Int
	sum      *uint256.Int
	observed uint64
}

// NewFeeOracle creates the oracle. historySize bounds the sample buffer;
// maxPrice and boost are in wei, maxPrice must be non-nil.
func NewFeeOracle(historySize int, multiplier, sensitivity float64, maxPrice, boost *uint256.Int) *FeeOracle {
	if historySize <= 0 {
		historySize = 50
	}
	if multiplier <= 0 {
		multiplier = 1.1
	}
	if boost == nil {
		boost = uint256.NewInt(0)
	}
	return &FeeOracle{
		samples:     make([]FeeSample, historySize),
		multiplier:  multiplier,
		sensitivity: sensitivity,
		maxPrice:    maxPrice,
		boost:       boost,
		peak:        uint256.NewInt(0),
		sum:         uint256.NewInt(0),
	}
}

// Observe records an observed network fee level.
func (o *FeeOracle) Observe(price *uint256.Int) {
	if price == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observeLocked(price)
}

func (o *FeeOracle) observeLocked(price *uint256.Int) {
	tail := (o.head + o.count) % len(o.samples)
	o.samples[tail] = FeeSample{At: time.Now(), Price: price.Clone()}
	if o.count < len(o.samples) {
		o.count++
	} else {
		o.head = (o.head + 1) % len(o.samples)
	}

	if price.Gt(o.peak) {
		o.peak = price.Clone()
	}
	o.sum.Add(o.sum, price)
	o.observed++
}

// Congestion estimates network load as the normalized variance of the
// buffered samples relative to their mean, clamped to [0, 1]. A flat fee
// market yields 0; a volatile one approaches 1.
func (o *FeeOracle) Congestion() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.congestionLocked()
}

func (o *FeeOracle) congestionLocked() float64 {
	if o.count < 2 {
		return 0
	}
	prices := make([]float64, 0, o.count)
	for i := 0; i < o.count; i++ {
		s := o.samples[(o.head+i)%len(o.samples)]
		prices = append(prices, float64FromWei(s.Price))
	}

	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return 0
	}
	variance := stat.Variance(prices, nil)
	congestion := variance / (mean * mean)
	if congestion > 1 {
		congestion = 1
	}
	if congestion < 0 {
		congestion = 0
	}
	return congestion
}

// AdjustedPrice computes the outgoing price for a transaction:
//
//	base × multiplier × (1 + congestion × sensitivity) [+ boost] , capped
//
// opCap, when non-nil, lowers the cap further for a single operation.
// The issued price is recorded back into the sample buffer.
func (o *FeeOracle) AdjustedPrice(base *uint256.Int, priority bool, opCap *uint256.Int) *uint256.Int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if base == nil || base.IsZero() {
		base = o.lastLocked()
	}
	if base == nil {
		base = uint256.NewInt(0)
	}

	congestion := o.congestionLocked()
	factor := o.multiplier * (1 + congestion*o.sensitivity)

	adjusted := mulFloat(base, factor)
	if priority {
		adjusted.Add(adjusted, o.boost)
	}

	limit := o.maxPrice
	if opCap != nil && (limit == nil || opCap.Lt(limit)) {
		limit = opCap
	}
	if limit != nil && !limit.IsZero() && adjusted.Gt(limit) {
		adjusted = limit.Clone()
	}

	o.observeLocked(adjusted)
	LogFeePriceAdjusted(base.Dec(), adjusted.Dec(), congestion)
	return adjusted
}

// lastLocked returns the most recent sample, nil when empty.
func (o *FeeOracle) lastLocked() *uint256.Int {
	if o.count == 0 {
		return nil
	}
	s := o.samples[(o.head+o.count-1)%len(o.samples)]
	return s.Price.Clone()
}

// Stats snapshots peak/average/congestion for reporting.
func (o *FeeOracle) Stats() FeeStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	avg := uint256.NewInt(0)
	if o.observed > 0 {
		avg.Div(o.sum, uint256.NewInt(o.observed))
	}
	var last *uint256.Int
	if l := o.lastLocked(); l != nil {
		last = l
	} else {
		last = uint256.NewInt(0)
	}
	return FeeStats{
		Average:     avg,
		Peak:        o.peak.Clone(),
		Last:        last,
		Congestion:  o.congestionLocked(),
		SampleCount: o.observed,
	}
}

// float64FromWei 损失精度的近似值，仅用于方差计算
func float64FromWei(p *uint256.Int) float64 {
	f := new(big.Float).SetInt(p.ToBig())
	v, _ := f.Float64()
	return v
}

// mulFloat multiplies a wei amount by a small positive float factor using
// parts-per-million fixed point, avoiding float drift on large amounts.
func mulFloat(p *uint256.Int, factor float64) *uint256.Int {
	const ppm = 1_000_000
	scaled := uint256.NewInt(uint64(factor * ppm))
	out := new(uint256.Int).Mul(p, scaled)
	return out.Div(out, uint256.NewInt(ppm))
}
