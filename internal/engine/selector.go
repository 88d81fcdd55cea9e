package engine

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// Strategy 负载均衡策略
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyLeastConn  Strategy = "least-connections"
	StrategyComposite  Strategy = "composite"
)

// composite 策略的功能加成：得分接近时偏向功能更全的端点
const (
	streamingBonus = 1.10
	batchBonus     = 1.05
)

// Selector picks an endpoint for a new request among those whose breaker is
// not open. Excluded URLs (the endpoint a retry just failed on) are skipped.
type Selector struct {
	registry *Registry
	strategy Strategy

	rrIndex atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector creates a selector. Unknown strategies fall back to composite,
// the default.
func NewSelector(registry *Registry, strategy Strategy, seed int64) *Selector {
	switch strategy {
	case StrategyRoundRobin, StrategyWeighted, StrategyLeastConn, StrategyComposite:
	default:
		strategy = StrategyComposite
	}
	return &Selector{
		registry: registry,
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Strategy returns the active strategy.
func (s *Selector) Strategy() Strategy { return s.strategy }

// Pick selects an endpoint. exclude may be nil.
func (s *Selector) Pick(exclude map[string]bool) (*Endpoint, error) {
	eligible := s.eligible(exclude)
	if len(eligible) == 0 {
		// 被排除的端点也许还能用：重试耗尽备选时退回全量筛选
		eligible = s.eligible(nil)
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.pickRoundRobin(eligible), nil
	case StrategyLeastConn:
		return s.pickLeastConnections(eligible), nil
	case StrategyWeighted:
		return s.pickWeighted(eligible, false), nil
	default:
		return s.pickWeighted(eligible, true), nil
	}
}

// eligible filters out open-breaker and explicitly excluded endpoints.
// Half-open endpoints whose probe token is already out are skipped too.
func (s *Selector) eligible(exclude map[string]bool) []*Endpoint {
	var out []*Endpoint
	for _, ep := range s.registry.All() {
		if exclude != nil && exclude[ep.URL] {
			continue
		}
		if !ep.breaker.Eligible() {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (s *Selector) pickRoundRobin(eligible []*Endpoint) *Endpoint {
	idx := s.rrIndex.Add(1)
	return eligible[int(idx)%len(eligible)]
}

func (s *Selector) pickLeastConnections(eligible []*Endpoint) *Endpoint {
	best := eligible[0]
	bestActive := best.ActiveConnections()
	for _, ep := range eligible[1:] {
		if a := ep.ActiveConnections(); a < bestActive {
			best, bestActive = ep, a
		}
	}
	return best
}

// pickWeighted draws an endpoint with probability proportional to its score.
// composite=true additionally rewards streaming/batch capable endpoints.
func (s *Selector) pickWeighted(eligible []*Endpoint, composite bool) *Endpoint {
	weights := make([]float64, len(eligible))
	total := 0.0
	for i, ep := range eligible {
		w := ep.weight()
		if composite {
			if ep.SupportsStreaming {
				w *= streamingBonus
			}
			if ep.SupportsBatch {
				w *= batchBonus
			}
		}
		weights[i] = w
		total += w
	}

	s.rngMu.Lock()
	draw := s.rng.Float64() * total
	s.rngMu.Unlock()

	acc := 0.0
	for i, w := range weights {
		acc += w
		if draw < acc {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}
