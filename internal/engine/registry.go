package engine

import "time"

// Registry 端点注册表：静态配置，池运行期间不增删
// 端点记录自身可变，注册表切片只读，无需加锁
type Registry struct {
	endpoints []*Endpoint
	byURL     map[string]*Endpoint
}

// NewRegistry builds endpoint records for the configured URLs.
func NewRegistry(urls []string, breakerThreshold float64, breakerTimeout time.Duration, nodeRPS float64, nodeQuotaPerMin int, supportsBatch bool, onBreakerChange func(url string, from, to BreakerState)) *Registry {
	r := &Registry{
		byURL: make(map[string]*Endpoint, len(urls)),
	}
	for _, url := range urls {
		u := url
		breaker := NewBreaker(breakerThreshold, breakerTimeout, func(from, to BreakerState) {
			LogBreakerStateChange(u, from, to)
			if onBreakerChange != nil {
				onBreakerChange(u, from, to)
			}
		})
		ep := NewEndpoint(u, breaker, nodeRPS, nodeQuotaPerMin, supportsBatch)
		r.endpoints = append(r.endpoints, ep)
		r.byURL[u] = ep
	}
	return r
}

// All returns every configured endpoint.
func (r *Registry) All() []*Endpoint { return r.endpoints }

// Get looks an endpoint up by URL, nil if unknown.
func (r *Registry) Get(url string) *Endpoint { return r.byURL[url] }

// HealthyCount returns the number of endpoints currently usable.
func (r *Registry) HealthyCount() int {
	n := 0
	for _, ep := range r.endpoints {
		if ep.Healthy() {
			n++
		}
	}
	return n
}

// Stats snapshots every endpoint.
func (r *Registry) Stats() []EndpointStats {
	out := make([]EndpointStats, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.Stats())
	}
	return out
}

// StopBreakers cancels all pending breaker timers. Called on shutdown.
func (r *Registry) StopBreakers() {
	for _, ep := range r.endpoints {
		ep.breaker.Stop()
	}
}
