// Package pool implements the per-host upstream connection pool: capped
// keep-alive slots with a priority waiter queue. Provider clients borrow
// a connection for the duration of one upstream call.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/pkg/safego"
)

var (
	// ErrAcquireTimeout is returned when a waiter is not matched to a
	// connection within the connection timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")
)

// State is a connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateIdle
	StateBusy
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Priority orders waiters in the acquire queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Conn is one pooled upstream connection slot. All fields are guarded by
// the pool's lock; a borrower may read them but must not mutate.
type Conn struct {
	ID         string
	Scheme     string
	Host       string
	Port       int
	State      State
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
}

func (c *Conn) key() hostKey {
	return hostKey{scheme: c.Scheme, host: c.Host, port: c.Port}
}

type hostKey struct {
	scheme string
	host   string
	port   int
}

func (k hostKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.scheme, k.host, k.port)
}

// Config caps the pool.
type Config struct {
	MaxConnections        int
	MaxConnectionsPerHost int
	MaxIdle               int
	ConnectionTimeout     time.Duration
	IdleTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.MaxConnectionsPerHost <= 0 {
		c.MaxConnectionsPerHost = 10
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 20
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	return c
}

type waiter struct {
	id       string
	key      hostKey
	priority Priority
	queuedAt time.Time
	ch       chan *Conn // buffered; delivery never blocks the pool lock
	canceled bool
}

// Pool is the thread-safe connection pool. All mutation is serialized
// under one mutex; waiter delivery happens on a buffered channel so the
// completion side runs outside the critical section.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	conns   map[hostKey][]*Conn
	total   int
	waiters []*waiter
	closed  bool
	logger  *zap.Logger

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a pool and starts its idle sweeper (1s tick).
func New(cfg Config, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		conns:     make(map[hostKey][]*Conn),
		logger:    logger.With(zap.String("component", "pool")),
		sweepStop: make(chan struct{}),
	}
	safego.Go(logger, "pool-sweeper", p.sweepLoop)
	return p
}

// Acquire borrows a connection to (scheme, host, port), waiting in the
// priority queue when the pool is at capacity. The returned connection
// is exclusively owned by the caller until Release or Discard.
func (p *Pool) Acquire(ctx context.Context, scheme, host string, port int, prio Priority) (*Conn, error) {
	key := hostKey{scheme: scheme, host: host, port: port}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if c := p.takeIdleLocked(key); c != nil {
		p.mu.Unlock()
		return c, nil
	}

	if c := p.createLocked(key); c != nil {
		p.mu.Unlock()
		return c, nil
	}

	w := &waiter{
		id:       uuid.NewString(),
		key:      key,
		priority: prio,
		queuedAt: time.Now(),
		ch:       make(chan *Conn, 1),
	}
	p.enqueueLocked(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		// Delivery may have raced the cancellation; the connection must
		// go back to idle, not leak in a busy slot nobody holds.
		select {
		case c, ok := <-w.ch:
			if ok {
				p.Release(c)
			}
		default:
		}
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		// The waiter may have been satisfied in the race window.
		select {
		case c, ok := <-w.ch:
			if ok {
				return c, nil
			}
		default:
		}
		return nil, ErrAcquireTimeout
	}
}

// Release returns a borrowed connection to the idle set and immediately
// runs waiter matching.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.State == StateClosed || c.State == StateError {
		return
	}
	c.State = StateIdle
	c.LastUsedAt = time.Now()

	if p.idleCountLocked() > p.cfg.MaxIdle {
		p.destroyLocked(c)
	}
	p.processWaitersLocked()
}

// Discard destroys a borrowed connection whose transport failed; the
// freed capacity is offered to waiters.
func (p *Pool) Discard(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.State = StateError
	p.destroyLocked(c)
	p.processWaitersLocked()
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total   int
	Idle    int
	Busy    int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Total: p.total, Waiting: len(p.waiters)}
	for _, conns := range p.conns {
		for _, c := range conns {
			switch c.State {
			case StateIdle:
				st.Idle++
			case StateBusy:
				st.Busy++
			}
		}
	}
	return st
}

// Close drains the pool; outstanding waiters fail with ErrClosed via
// channel close.
func (p *Pool) Close() {
	p.sweepOnce.Do(func() { close(p.sweepStop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	for key, conns := range p.conns {
		for _, c := range conns {
			c.State = StateClosed
		}
		delete(p.conns, key)
	}
	p.total = 0
}

// --- internals (all *Locked methods require p.mu held) ---

// takeIdleLocked picks the least-used idle connection for key.
func (p *Pool) takeIdleLocked(key hostKey) *Conn {
	var best *Conn
	for _, c := range p.conns[key] {
		if c.State != StateIdle {
			continue
		}
		if best == nil || c.UsageCount < best.UsageCount {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	best.State = StateBusy
	best.UsageCount++
	best.LastUsedAt = time.Now()
	return best
}

// createLocked opens a new slot when per-host and global caps allow.
func (p *Pool) createLocked(key hostKey) *Conn {
	if p.total >= p.cfg.MaxConnections || len(p.conns[key]) >= p.cfg.MaxConnectionsPerHost {
		return nil
	}
	now := time.Now()
	c := &Conn{
		ID:         uuid.NewString(),
		Scheme:     key.scheme,
		Host:       key.host,
		Port:       key.port,
		State:      StateBusy,
		CreatedAt:  now,
		LastUsedAt: now,
		UsageCount: 1,
	}
	p.conns[key] = append(p.conns[key], c)
	p.total++
	return c
}

func (p *Pool) destroyLocked(c *Conn) {
	key := c.key()
	conns := p.conns[key]
	for i, cc := range conns {
		if cc == c {
			p.conns[key] = append(conns[:i], conns[i+1:]...)
			p.total--
			break
		}
	}
	c.State = StateClosed
	if len(p.conns[key]) == 0 {
		delete(p.conns, key)
	}
}

// enqueueLocked inserts in priority order, FIFO within priority.
func (p *Pool) enqueueLocked(w *waiter) {
	p.waiters = append(p.waiters, w)
	sort.SliceStable(p.waiters, func(i, j int) bool {
		return p.waiters[i].priority > p.waiters[j].priority
	})
}

// processWaitersLocked matches queued waiters to idle or creatable
// connections, in strict priority-then-FIFO order.
func (p *Pool) processWaitersLocked() {
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if w.canceled {
			continue
		}
		c := p.takeIdleLocked(w.key)
		if c == nil {
			c = p.createLocked(w.key)
		}
		if c == nil {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- c
	}
	p.waiters = remaining
}

func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.canceled = true
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, conns := range p.conns {
		for _, c := range conns {
			if c.State == StateIdle {
				n++
			}
		}
	}
	return n
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts idle connections past the idle timeout.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for _, conns := range p.conns {
		for _, c := range append([]*Conn(nil), conns...) {
			if c.State == StateIdle && c.LastUsedAt.Before(cutoff) {
				p.destroyLocked(c)
			}
		}
	}
	p.processWaitersLocked()
}
