package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ConnMode 连接访问模式
type ConnMode int

const (
	ModeRead ConnMode = iota
	ModeWrite
)

func (m ConnMode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Conn is one pooled client bound to exactly one endpoint and mode.
// The pool hands a Conn to exactly one executor call at a time; write
// connections additionally carry the signing identity they were opened for
// and are never shared across identities.
type Conn struct {
	id         uint64
	endpoint   *Endpoint
	mode       ConnMode
	identity   string
	client     NodeClient
	createdAt  time.Time
	lastUsedAt time.Time
	requests   uint64
	failures   uint64
}

// Endpoint returns the endpoint the connection is bound to.
func (c *Conn) Endpoint() *Endpoint { return c.endpoint }

// Client returns the underlying RPC client.
func (c *Conn) Client() NodeClient { return c.client }

// saturationPollInterval 池饱和时的轮询间隔
const saturationPollInterval = 50 * time.Millisecond

// ConnPool bounds concurrent connections per endpoint and reuses idle
// clients. Idle reuse is LIFO so recently warm connections go out first.
type ConnPool struct {
	maxPerEndpoint int
	connTimeout    time.Duration
	requestTimeout time.Duration
	dialer         Dialer
	metrics        *Metrics

	mu     sync.Mutex
	idle   map[string][]*Conn // key: endpoint URL + "|" + mode + "|" + identity
	closed bool
	nextID atomic.Uint64
}

// NewConnPool creates the pool. dialer may be nil (DefaultDialer).
func NewConnPool(maxPerEndpoint int, connTimeout, requestTimeout time.Duration, dialer Dialer) *ConnPool {
	if dialer == nil {
		dialer = DefaultDialer
	}
	if maxPerEndpoint <= 0 {
		maxPerEndpoint = 5
	}
	return &ConnPool{
		maxPerEndpoint: maxPerEndpoint,
		connTimeout:    connTimeout,
		requestTimeout: requestTimeout,
		dialer:         dialer,
		metrics:        GetMetrics(),
		idle:           make(map[string][]*Conn),
	}
}

func idleKey(ep *Endpoint, mode ConnMode, identity string) string {
	return fmt.Sprintf("%s|%s|%s", ep.URL, mode, identity)
}

// Acquire hands out a connection for the endpoint/mode, reusing an idle one
// when possible. When the endpoint is at its connection cap it polls for
// freed capacity up to requestTimeout, then fails with ErrPoolSaturated.
func (p *ConnPool) Acquire(ctx context.Context, ep *Endpoint, mode ConnMode, identity string) (*Conn, error) {
	if mode == ModeWrite && identity == "" {
		return nil, ErrSignerRequired
	}

	deadline := time.Now().Add(p.requestTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}
		key := idleKey(ep, mode, identity)
		if conns := p.idle[key]; len(conns) > 0 {
			conn := conns[len(conns)-1]
			p.idle[key] = conns[:len(conns)-1]
			p.mu.Unlock()
			conn.lastUsedAt = time.Now()
			return conn, nil
		}
		p.mu.Unlock()

		if ep.reserveConnection(p.maxPerEndpoint) {
			conn, err := p.dial(ctx, ep, mode, identity)
			if err != nil {
				ep.releaseConnection()
				return nil, err
			}
			return conn, nil
		}

		// 端点连接已满：轮询等待释放
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: endpoint %s at %d connections", ErrPoolSaturated, maskURL(ep.URL), p.maxPerEndpoint)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(saturationPollInterval):
		}
	}
}

// dial opens a new connection within connectionTimeout.
func (p *ConnPool) dial(ctx context.Context, ep *Endpoint, mode ConnMode, identity string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.connTimeout)
	defer cancel()

	client, err := p.dialer(dialCtx, ep.URL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionTimeout, maskURL(ep.URL))
		}
		return nil, err
	}

	conn := &Conn{
		id:         p.nextID.Add(1),
		endpoint:   ep,
		mode:       mode,
		identity:   identity,
		client:     client,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	p.metrics.UpdateActiveConnections(ep.URL, ep.ActiveConnections())
	return conn, nil
}

// Release returns a connection to the idle list, or destroys it after a
// transport-level fatal error.
func (p *ConnPool) Release(conn *Conn, fatal bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if fatal || closed {
		p.destroy(conn)
		return
	}

	conn.lastUsedAt = time.Now()
	key := idleKey(conn.endpoint, conn.mode, conn.identity)
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], conn)
	p.mu.Unlock()
}

func (p *ConnPool) destroy(conn *Conn) {
	conn.client.Close()
	conn.endpoint.releaseConnection()
	p.metrics.UpdateActiveConnections(conn.endpoint.URL, conn.endpoint.ActiveConnections())
}

// IdleCount returns the number of cached idle connections across endpoints.
func (p *ConnPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

// Close destroys all idle connections and rejects further acquisitions.
// In-flight connections are destroyed as they are released.
func (p *ConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]*Conn)
	p.mu.Unlock()

	for _, conns := range idle {
		for _, conn := range conns {
			p.destroy(conn)
		}
	}
}
